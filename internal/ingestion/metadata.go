package ingestion

import (
	"path/filepath"
	"strings"
)

// InferredMetadata holds the format and document kind inferred from a
// filename. Caller-supplied metadata takes precedence over inferred values.
type InferredMetadata struct {
	// Format is the source encoding (pdf, html, json, markdown, text).
	Format string
	// DocType classifies the document (reference, spec, ui, data, text).
	DocType string
}

// extensionFormats maps a lowercase extension to its canonical format label.
var extensionFormats = map[string]string{
	".pdf":      "pdf",
	".html":     "html",
	".htm":      "html",
	".json":     "json",
	".md":       "markdown",
	".markdown": "markdown",
	".txt":      "text",
}

// specHints are filename fragments that mark requirement documents.
var specHints = []string{"spec", "requirement", "prd", "story", "stories", "acceptance"}

// InferMetadata inspects a document filename and returns best-effort
// metadata. Unknown extensions classify as text/text.
//
// Rules:
//
//	*.html, *.htm          -> ui
//	*.json                 -> data
//	*spec*, *requirement*  -> spec   (any extension other than html/json)
//	*.pdf                  -> reference
//	everything else        -> text
func InferMetadata(filename string) InferredMetadata {
	m := InferredMetadata{Format: "text", DocType: "text"}

	base := strings.ToLower(filepath.Base(filename))
	ext := filepath.Ext(base)
	if f, ok := extensionFormats[ext]; ok {
		m.Format = f
	}

	switch m.Format {
	case "html":
		m.DocType = "ui"
		return m
	case "json":
		m.DocType = "data"
		return m
	}

	stem := strings.TrimSuffix(base, ext)
	for _, hint := range specHints {
		if strings.Contains(stem, hint) {
			m.DocType = "spec"
			return m
		}
	}

	if m.Format == "pdf" {
		m.DocType = "reference"
	}
	return m
}
