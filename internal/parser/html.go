package parser

import (
	"strings"
)

// HTMLParser strips tags and extracts the document title. Script and style
// bodies are dropped entirely.
type HTMLParser struct{}

func (p *HTMLParser) MIMETypes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

func (p *HTMLParser) Parse(content []byte) (*Result, error) {
	text := sanitize(content)
	metadata := map[string]string{}

	if title := extractTag(text, "title"); title != "" {
		metadata["title"] = title
	}

	stripped := stripTags(text)
	return &Result{
		Text:     stripped,
		Metadata: metadata,
		Pages:    countPages(stripped),
	}, nil
}

func extractTag(html, tag string) string {
	lower := strings.ToLower(html)
	open := strings.Index(lower, "<"+tag)
	if open < 0 {
		return ""
	}
	start := strings.Index(lower[open:], ">")
	if start < 0 {
		return ""
	}
	start += open + 1
	end := strings.Index(lower[start:], "</"+tag+">")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(html[start : start+end])
}

func stripTags(html string) string {
	var b strings.Builder
	b.Grow(len(html))

	skip := "" // currently inside <script> or <style>
	i := 0
	for i < len(html) {
		c := html[i]
		if c != '<' {
			if skip == "" {
				b.WriteByte(c)
			}
			i++
			continue
		}

		end := strings.IndexByte(html[i:], '>')
		if end < 0 {
			break
		}
		tag := strings.ToLower(html[i+1 : i+end])
		i += end + 1

		switch {
		case skip == "" && (strings.HasPrefix(tag, "script") || strings.HasPrefix(tag, "style")):
			skip = strings.Fields(tag)[0]
		case skip != "" && tag == "/"+skip:
			skip = ""
		case skip == "":
			// Block-level closers become line breaks so words do not fuse.
			if strings.HasPrefix(tag, "/p") || strings.HasPrefix(tag, "/div") ||
				strings.HasPrefix(tag, "/h") || strings.HasPrefix(tag, "br") ||
				strings.HasPrefix(tag, "/li") || strings.HasPrefix(tag, "/tr") {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
	}

	return collapseWhitespace(b.String())
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace, lastNewline := false, false
	for _, r := range s {
		switch {
		case r == '\n':
			if !lastNewline {
				b.WriteRune('\n')
			}
			lastNewline, lastSpace = true, true
		case r == ' ' || r == '\t':
			if !lastSpace {
				b.WriteRune(' ')
			}
			lastSpace = true
		default:
			b.WriteRune(r)
			lastSpace, lastNewline = false, false
		}
	}
	return strings.TrimSpace(b.String())
}

var _ Parser = (*HTMLParser)(nil)
