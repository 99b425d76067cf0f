package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// documentXML mirrors the parts of word/document.xml we read: paragraphs
// containing runs containing text elements. Formatting and embedded objects
// are ignored.
type documentXML struct {
	Body struct {
		Paragraphs []struct {
			Runs []struct {
				Text []struct {
					Content string `xml:",chardata"`
				} `xml:"t"`
			} `xml:"r"`
		} `xml:"p"`
	} `xml:"body"`
}

// docxText opens the archive and extracts raw text from word/document.xml,
// one line per paragraph.
func docxText(data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx archive: %w", err)
	}
	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("open document.xml: %w", err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("read document.xml: %w", err)
		}
		var doc documentXML
		if err := xml.Unmarshal(raw, &doc); err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		var b strings.Builder
		for i, para := range doc.Body.Paragraphs {
			if i > 0 {
				b.WriteString("\n")
			}
			for _, run := range para.Runs {
				for _, t := range run.Text {
					b.WriteString(t.Content)
				}
			}
		}
		return strings.TrimSpace(b.String()), nil
	}
	return "", fmt.Errorf("word/document.xml not found in archive")
}
