// Package temporal runs batch ingestion as a Temporal workflow: one
// activity lists the documents, one activity per document ingests it.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/efebarandurmaz/kiln/internal/chunker"
	"github.com/efebarandurmaz/kiln/internal/document"
	"github.com/efebarandurmaz/kiln/internal/ingest"
	"github.com/efebarandurmaz/kiln/internal/scan"
	"go.temporal.io/sdk/activity"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.uber.org/zap"
)

// DocumentIngester parses and ingests raw document bytes.
// *engine.Engine satisfies it.
type DocumentIngester interface {
	Ingest(ctx context.Context, source string, data []byte, format document.Format) (*ingest.Report, error)
}

// DocumentInput names one file to ingest. An empty Format is detected.
type DocumentInput struct {
	Path   string
	Source string
	Format document.Format
}

// DocumentResult is the outcome of one document. Error is set when the
// document failed after every retry.
type DocumentResult struct {
	Path   string
	Report *ingest.Report
	Error  string
}

// Activities holds what the activities share. Register a pointer to it
// with the worker.
type Activities struct {
	Ingester DocumentIngester
	Logger   *zap.Logger
}

func (a *Activities) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// ListDocuments walks dir for supported files.
func (a *Activities) ListDocuments(_ context.Context, dir string) ([]DocumentInput, error) {
	files, err := scan.New(dir, nil).Walk()
	if err != nil {
		return nil, sdktemporal.NewNonRetryableApplicationError("listing documents", "ListError", err)
	}
	out := make([]DocumentInput, 0, len(files))
	for _, f := range files {
		out = append(out, DocumentInput{Path: f.Abs, Source: f.Path, Format: f.Format})
	}
	return out, nil
}

// IngestDocument reads and ingests one file. Failures that another attempt
// cannot fix are reported as non-retryable.
func (a *Activities) IngestDocument(ctx context.Context, in DocumentInput) (DocumentResult, error) {
	info := activity.GetInfo(ctx)
	log := a.logger().With(
		zap.String("component", "temporal"),
		zap.String("path", in.Path),
		zap.Int32("attempt", info.Attempt))

	data, err := os.ReadFile(in.Path)
	if err != nil {
		return DocumentResult{}, sdktemporal.NewNonRetryableApplicationError(
			fmt.Sprintf("reading %s", in.Path), "ReadError", err)
	}
	source := in.Source
	if source == "" {
		source = filepath.Base(in.Path)
	}

	rep, err := a.Ingester.Ingest(ctx, source, data, in.Format)
	if err != nil {
		if errors.Is(err, document.ErrUnsupportedFormat) || errors.Is(err, chunker.ErrEmptyDocument) {
			return DocumentResult{}, sdktemporal.NewNonRetryableApplicationError(err.Error(), "InvalidDocument", err)
		}
		log.Warn("ingest attempt failed", zap.Error(err))
		return DocumentResult{}, err
	}
	log.Info("document ingested",
		zap.String("document_id", rep.DocumentID),
		zap.String("status", string(rep.Status)),
		zap.Bool("skipped", rep.Skipped))
	return DocumentResult{Path: in.Path, Report: rep}, nil
}
