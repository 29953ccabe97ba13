// Package scan ingests the supported files under a directory, skipping files
// whose content is unchanged since the previous scan.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/efebarandurmaz/kiln/internal/document"
	"github.com/efebarandurmaz/kiln/internal/ingest"
	"github.com/efebarandurmaz/kiln/internal/kb"
	"go.uber.org/zap"
)

// Extensions maps the file extensions picked up by a scan to their format.
var Extensions = map[string]document.Format{
	".pdf":  document.FormatPDF,
	".docx": document.FormatDocx,
	".txt":  document.FormatText,
	".md":   document.FormatText,
}

// Ingester ingests one parsed document. *ingest.Pipeline satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, doc document.Document) (*ingest.Report, error)
}

// File is a candidate found by Walk. Path is relative to the scanned root
// and slash separated.
type File struct {
	Path   string
	Abs    string
	Format document.Format
}

// Failure is a file that could not be ingested.
type Failure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Result summarizes a scan.
type Result struct {
	Total     int              `json:"total"`
	New       []string         `json:"new"`
	Changed   []string         `json:"changed"`
	Unchanged []string         `json:"unchanged"`
	Deleted   []string         `json:"deleted"`
	Failed    []Failure        `json:"failed,omitempty"`
	Reports   []*ingest.Report `json:"reports,omitempty"`
	FirstRun  bool             `json:"first_run"`
	Duration  time.Duration    `json:"duration"`
}

// Scanner walks one root directory.
type Scanner struct {
	root     string
	stateDir string
	ingester Ingester
	force    bool
	logger   *zap.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithStateDir sets where the state file is kept. It defaults to the root.
func WithStateDir(dir string) Option {
	return func(s *Scanner) { s.stateDir = dir }
}

// WithForce ingests every file regardless of the previous state.
func WithForce(force bool) Option {
	return func(s *Scanner) { s.force = force }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(root string, ing Ingester, opts ...Option) *Scanner {
	s := &Scanner{root: root, stateDir: root, ingester: ing, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "scan"))
	return s
}

// Walk lists the supported files under the root in path order. Hidden
// files and directories are skipped.
func (s *Scanner) Walk() ([]File, error) {
	var files []File
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != s.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		format, ok := Extensions[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Abs: path, Format: format})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", s.root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Run ingests new and changed files and saves the state. A file is recorded
// in the state only once it is fully processed, so partial and failed files
// are retried by the next scan. Removed files are reported but their
// documents stay in the knowledge base.
func (s *Scanner) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	prev, err := LoadState(s.stateDir)
	if err != nil {
		return nil, fmt.Errorf("loading scan state: %w", err)
	}
	files, err := s.Walk()
	if err != nil {
		return nil, err
	}

	res := &Result{Total: len(files), FirstRun: prev == nil}
	if prev == nil {
		prev = NewState()
	}
	next := NewState()
	present := make(map[string]bool, len(files))

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			s.carryOver(prev, next, present)
			return res, s.finish(next, res, start, err)
		}
		present[f.Path] = true
		data, err := os.ReadFile(f.Abs)
		if err != nil {
			res.Failed = append(res.Failed, Failure{Path: f.Path, Error: err.Error()})
			continue
		}
		hash := hashBytes(data)
		old := prev.Files[f.Path]
		if old != nil && old.Hash == hash && !s.force {
			res.Unchanged = append(res.Unchanged, f.Path)
			next.Files[f.Path] = old
			continue
		}
		if old != nil {
			res.Changed = append(res.Changed, f.Path)
		} else {
			res.New = append(res.New, f.Path)
		}

		doc, err := document.Parse(f.Path, data, f.Format)
		if err != nil {
			res.Failed = append(res.Failed, Failure{Path: f.Path, Error: err.Error()})
			s.logger.Warn("parse failed", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		rep, err := s.ingester.Ingest(ctx, doc)
		if rep != nil {
			res.Reports = append(res.Reports, rep)
		}
		if err != nil {
			res.Failed = append(res.Failed, Failure{Path: f.Path, Error: err.Error()})
			s.logger.Warn("ingest failed", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		if rep.Skipped || rep.Status == kb.StatusProcessed {
			next.Files[f.Path] = &FileState{Hash: hash, Size: int64(len(data)), DocumentID: rep.DocumentID, IngestedAt: time.Now().UTC()}
		}
	}

	for path := range prev.Files {
		if !present[path] {
			res.Deleted = append(res.Deleted, path)
		}
	}
	sort.Strings(res.Deleted)
	return res, s.finish(next, res, start, nil)
}

// carryOver keeps the previous entries of files not yet visited.
func (s *Scanner) carryOver(prev, next *State, visited map[string]bool) {
	for path, st := range prev.Files {
		if _, ok := next.Files[path]; !ok && !visited[path] {
			next.Files[path] = st
		}
	}
}

func (s *Scanner) finish(next *State, res *Result, start time.Time, cause error) error {
	res.Duration = time.Since(start)
	if err := next.Save(s.stateDir); err != nil {
		return fmt.Errorf("saving scan state: %w", err)
	}
	s.logger.Info("scan complete",
		zap.Int("total", res.Total),
		zap.Int("new", len(res.New)),
		zap.Int("changed", len(res.Changed)),
		zap.Int("unchanged", len(res.Unchanged)),
		zap.Int("deleted", len(res.Deleted)),
		zap.Int("failed", len(res.Failed)),
		zap.Duration("duration", res.Duration))
	return cause
}
