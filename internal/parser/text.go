package parser

import (
	"strings"
)

// TextParser handles plain text. It is also the registry fallback.
type TextParser struct{}

func (p *TextParser) MIMETypes() []string {
	return []string{"text/plain", "application/octet-stream"}
}

func (p *TextParser) Parse(content []byte) (*Result, error) {
	text := sanitize(content)
	return &Result{
		Text:     text,
		Metadata: map[string]string{},
		Pages:    countPages(text),
	}, nil
}

// MarkdownParser handles markdown. The text is passed through unchanged so
// the chunker can split on heading structure; only front matter style
// metadata is lifted out.
type MarkdownParser struct{}

func (p *MarkdownParser) MIMETypes() []string {
	return []string{"text/markdown", "text/x-markdown"}
}

func (p *MarkdownParser) Parse(content []byte) (*Result, error) {
	text := sanitize(content)
	metadata := map[string]string{}

	// Lift the first H1 as the title when present.
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			metadata["title"] = strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
			break
		}
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			break
		}
	}

	return &Result{
		Text:     text,
		Metadata: metadata,
		Pages:    countPages(text),
	}, nil
}

var (
	_ Parser = (*TextParser)(nil)
	_ Parser = (*MarkdownParser)(nil)
)
