// Package document turns uploaded bytes into immutable text documents.
package document

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Format is the encoding of an uploaded document.
type Format string

const (
	FormatText Format = "text"
	FormatPDF  Format = "pdf"
	FormatDocx Format = "docx"
)

// ErrUnsupportedFormat is returned for formats with no parser.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Document is one ingested text. ID derives from the fingerprint, so
// identical content always maps to the same document.
type Document struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Format      Format `json:"format"`
	Text        string `json:"text"`
	Fingerprint string `json:"fingerprint"`
}

// Fingerprint is the hex SHA-256 of the text.
func Fingerprint(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// IDFor returns the document ID for a fingerprint.
func IDFor(fingerprint string) string {
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	return "doc-" + fingerprint
}

// New builds a document from already extracted text. Line endings are
// normalized to \n and invalid UTF-8 is replaced.
func New(source string, format Format, text string) Document {
	text = strings.ToValidUTF8(text, "�")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	fp := Fingerprint(text)
	return Document{
		ID:          IDFor(fp),
		Source:      source,
		Format:      format,
		Text:        text,
		Fingerprint: fp,
	}
}

// ParseFormat accepts a format name or a file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "text", "txt", "md", "markdown":
		return FormatText, nil
	case "pdf":
		return FormatPDF, nil
	case "docx":
		return FormatDocx, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Detect guesses the format from the file name, then from magic bytes.
func Detect(name string, data []byte) Format {
	if f, err := ParseFormat(filepath.Ext(name)); err == nil && filepath.Ext(name) != "" {
		return f
	}
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return FormatPDF
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return FormatDocx
	default:
		return FormatText
	}
}

// Parse extracts the text of data in the given format.
func Parse(source string, data []byte, format Format) (Document, error) {
	var (
		text string
		err  error
	)
	switch format {
	case FormatText, "":
		format = FormatText
		text = string(data)
	case FormatPDF:
		text, err = pdfText(data)
	case FormatDocx:
		text, err = docxText(data)
	default:
		return Document{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return Document{}, fmt.Errorf("parsing %s as %s: %w", source, format, err)
	}
	return New(source, format, text), nil
}
