package document

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FingerprintAndID(t *testing.T) {
	a := New("a.txt", FormatText, "hello\r\nworld")
	b := New("b.txt", FormatText, "hello\nworld")

	assert.Equal(t, "hello\nworld", a.Text)
	assert.Equal(t, a.Fingerprint, b.Fingerprint, "same content, same fingerprint")
	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, a.Fingerprint, 64)
	assert.Equal(t, "doc-"+a.Fingerprint[:16], a.ID)

	c := New("a.txt", FormatText, "hello world")
	assert.NotEqual(t, a.ID, c.ID)
}

func TestNew_ReplacesInvalidUTF8(t *testing.T) {
	d := New("x", FormatText, "ok\xffok")
	assert.Equal(t, "ok�ok", d.Text)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "txt": FormatText, ".md": FormatText, "PDF": FormatPDF, ".docx": FormatDocx} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("xlsx")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestDetect(t *testing.T) {
	assert.Equal(t, FormatPDF, Detect("report.pdf", nil))
	assert.Equal(t, FormatDocx, Detect("notes.DOCX", nil))
	assert.Equal(t, FormatPDF, Detect("upload", []byte("%PDF-1.7 ...")))
	assert.Equal(t, FormatDocx, Detect("upload", []byte("PK\x03\x04...")))
	assert.Equal(t, FormatText, Detect("upload", []byte("plain")))
	assert.Equal(t, FormatText, Detect("weird.xyz", []byte("plain")))
}

func buildDocx(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestParse_Docx(t *testing.T) {
	xmlBody := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Alice works</w:t></w:r><w:r><w:t xml:space="preserve"> at Acme.</w:t></w:r></w:p>
    <w:p></w:p>
    <w:p><w:r><w:t>Acme</w:t><w:tab/><w:t>Springfield</w:t></w:r></w:p>
  </w:body>
</w:document>`
	doc, err := Parse("a.docx", buildDocx(t, xmlBody), FormatDocx)
	require.NoError(t, err)
	assert.Equal(t, "Alice works at Acme.\n\nAcme\tSpringfield", doc.Text)
	assert.Equal(t, FormatDocx, doc.Format)
}

func TestParse_DocxMissingBody(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, _ = zw.Create("other.xml")
	require.NoError(t, zw.Close())

	_, err := Parse("a.docx", buf.Bytes(), FormatDocx)
	assert.ErrorContains(t, err, "word/document.xml")
}

func TestParse_InvalidPDF(t *testing.T) {
	_, err := Parse("a.pdf", []byte("not a pdf"), FormatPDF)
	assert.Error(t, err)
}

func TestParse_Text(t *testing.T) {
	doc, err := Parse("a.txt", []byte("Alice works at Acme."), "")
	require.NoError(t, err)
	assert.Equal(t, FormatText, doc.Format)
	assert.Equal(t, "a.txt", doc.Source)
}
