// Package parser converts uploaded document bytes into canonical UTF-8 text
// plus extracted metadata. Parsers are registered per MIME type; the registry
// falls back to plain text for anything unrecognized.
package parser

import (
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"
)

// Result is the canonical output of parsing
type Result struct {
	Text     string
	Metadata map[string]string
	Pages    int
}

// Parser converts raw bytes of one MIME family into a Result
type Parser interface {
	Parse(content []byte) (*Result, error)
	// MIMETypes lists the types this parser accepts, most specific first.
	MIMETypes() []string
}

// Registry dispatches parsing by MIME type
type Registry struct {
	byType   map[string]Parser
	fallback Parser
}

// NewRegistry creates a registry with the built-in parsers registered
func NewRegistry() *Registry {
	r := &Registry{
		byType:   make(map[string]Parser),
		fallback: &TextParser{},
	}
	r.Register(&TextParser{})
	r.Register(&MarkdownParser{})
	r.Register(&HTMLParser{})
	r.Register(&CSVParser{})
	r.Register(&JSONParser{})
	return r
}

// Register adds a parser for all its declared MIME types
func (r *Registry) Register(p Parser) {
	for _, mt := range p.MIMETypes() {
		r.byType[mt] = p
	}
}

// Parse dispatches on the declared content type. Parameters such as charset
// are stripped before lookup. Unknown types go through the text fallback.
func (r *Registry) Parse(contentType string, content []byte) (*Result, error) {
	mediaType := contentType
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = mt
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	p, ok := r.byType[mediaType]
	if !ok {
		p = r.fallback
	}
	result, err := p.Parse(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", mediaType, err)
	}
	return result, nil
}

// sanitize drops invalid UTF-8 and normalizes line endings
func sanitize(content []byte) string {
	var text string
	if utf8.Valid(content) {
		text = string(content)
	} else {
		text = strings.ToValidUTF8(string(content), "�")
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return text
}

// countPages approximates page breaks with form feeds, minimum one page
func countPages(text string) int {
	return strings.Count(text, "\f") + 1
}
