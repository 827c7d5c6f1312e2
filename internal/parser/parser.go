// Package parser extracts plain text from uploaded documents. The format is
// chosen by file extension; unknown extensions are decoded as UTF-8 text.
// HTML documents additionally return their raw markup.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
)

// ErrUnparseable is returned when a document cannot be decoded in the format
// its extension claims.
var ErrUnparseable = errors.New("parser: unparseable document")

// Format labels for [Result.Format].
const (
	FormatPDF  = "pdf"
	FormatHTML = "html"
	FormatJSON = "json"
	FormatText = "text"
)

// Result is the outcome of parsing one document.
type Result struct {
	// Text is the extracted plain text.
	Text string

	// RawHTML is the original markup for HTML documents, nil otherwise.
	RawHTML *string

	// Format is the format the document was parsed as.
	Format string
}

// Parse extracts text from data according to filename's extension.
func Parse(filename string, data []byte) (*Result, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		text, err := parsePDF(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnparseable, filename, err)
		}
		return &Result{Text: text, Format: FormatPDF}, nil

	case ".html", ".htm":
		raw := decodeText(data)
		text, err := htmlText(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnparseable, filename, err)
		}
		return &Result{Text: text, RawHTML: &raw, Format: FormatHTML}, nil

	case ".json":
		text, err := prettyJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnparseable, filename, err)
		}
		return &Result{Text: text, Format: FormatJSON}, nil

	default:
		return &Result{Text: decodeText(data), Format: FormatText}, nil
	}
}

// parsePDF concatenates the plain text of every page.
func parsePDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("reading pdf buffer: %w", err)
	}
	return buf.String(), nil
}

// htmlText returns the visible text nodes of raw, one per line.
func htmlText(raw string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, template").Remove()

	var lines []string
	collectText(doc.Selection, &lines)
	return strings.Join(lines, "\n"), nil
}

func collectText(s *goquery.Selection, lines *[]string) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			if t := strings.TrimSpace(c.Text()); t != "" {
				*lines = append(*lines, t)
			}
			return
		}
		collectText(c, lines)
	})
}

// prettyJSON re-indents a JSON document with two spaces, keeping key order.
func prettyJSON(data []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(data), "", "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// decodeText decodes data as UTF-8, dropping invalid sequences.
func decodeText(data []byte) string {
	return strings.ToValidUTF8(string(data), "")
}
