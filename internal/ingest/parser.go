package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
)

// Page is the extracted text of one document page.
type Page struct {
	Number int // 1-based
	Text   string
}

// Parser extracts ordered page text from a stored document.
type Parser interface {
	Parse(ctx context.Context, path string) ([]Page, error)
}

// PDFParser extracts plain text from PDF files.
type PDFParser struct{}

// Parse returns one Page per PDF page that has a content stream. Unreadable
// files and documents without any text fail with apperr.ErrJobParse.
func (PDFParser) Parse(ctx context.Context, path string) (pages []Page, err error) {
	// The pdf package panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("%w: %s: %v", apperr.ErrJobParse, path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", apperr.ErrJobParse, path, err)
	}
	defer f.Close()

	total := r.NumPage()
	hasText := false
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d of %s: %w", apperr.ErrJobParse, i, path, err)
		}
		text = strings.TrimSpace(text)
		if text != "" {
			hasText = true
		}
		pages = append(pages, Page{Number: i, Text: text})
	}

	if !hasText {
		return nil, fmt.Errorf("%w: %s has no extractable text", apperr.ErrJobParse, path)
	}
	return pages, nil
}
