// Package extract converts uploaded file bytes into plain text.
// Extraction is a pure function of the file content: the same bytes always
// produce the same text.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var ErrParse = errors.New("could not parse file content")

const (
	MimePDF       = "application/pdf"
	MimeDoc       = "application/msword"
	MimeDocx      = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimePlainText = "text/plain"
	MimeHTML      = "text/html"
)

// Text extracts plain text from data according to the declared MIME type,
// falling back to the filename extension when the type is generic. Anything
// that is not PDF, DOCX or HTML is returned verbatim as UTF-8 text.
func Text(data []byte, mimeType, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case mimeType == MimePDF || ext == ".pdf":
		text, err := pdfText(data)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrParse, err)
		}
		return text, nil
	case mimeType == MimeDocx || ext == ".docx":
		text, err := docxText(data)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrParse, err)
		}
		return text, nil
	case mimeType == MimeHTML || ext == ".html" || ext == ".htm":
		text, err := htmlText(data)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrParse, err)
		}
		return text, nil
	default:
		return string(data), nil
	}
}
