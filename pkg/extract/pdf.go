package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfText walks the pages in order, joining a page's text items with spaces
// and pages with newlines.
func pdfText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var b strings.Builder
	total := reader.NumPage()
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		if i > 1 {
			b.WriteString("\n")
		}
		content := page.Content()
		for j, item := range content.Text {
			if j > 0 {
				b.WriteString(" ")
			}
			b.WriteString(item.S)
		}
	}
	return b.String(), nil
}
