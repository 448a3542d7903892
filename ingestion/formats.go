// Package ingestion turns one source document into overlapping token windows
// and writes their embeddings to the vector index.
package ingestion

import (
	"path/filepath"
	"strings"
)

// DocumentFormat decides how a source document is turned into text.
type DocumentFormat string

const (
	FormatText     DocumentFormat = "text"
	FormatMarkdown DocumentFormat = "markdown" // chunked as plain text
	FormatPDF      DocumentFormat = "pdf"
)

// DetectFormat goes by extension; anything unrecognised is read as text.
func DetectFormat(path string) DocumentFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".pdf":
		return FormatPDF
	default:
		return FormatText
	}
}
