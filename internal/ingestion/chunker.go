// Package ingestion handles document processing: parsing, chunking,
// embedding, and the worker pool that drives documents through their
// lifecycle.
package ingestion

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Chunk is one piece of chunked content, ordered by Index
type Chunk struct {
	Content  string
	Index    int
	Section  string
	Page     int
	Tokens   int
	Metadata map[string]string
}

// ChunkerConfig controls chunk sizing. Counts are in approximate tokens,
// estimated from word count.
type ChunkerConfig struct {
	TargetTokens int
	Overlap      int
}

// Chunker splits canonical text into retrieval-sized chunks. Splitting is
// structure-aware: markdown headers carry section context into each chunk,
// code blocks and tables stay atomic, and page breaks (form feeds) are
// tracked so chunks keep their page number.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a chunker, applying defaults for unset fields
func NewChunker(config ChunkerConfig) *Chunker {
	if config.TargetTokens <= 0 {
		config.TargetTokens = 512
	}
	if config.Overlap < 0 {
		config.Overlap = 50
	}
	if config.Overlap >= config.TargetTokens {
		config.Overlap = config.TargetTokens / 4
	}
	return &Chunker{config: config}
}

// maxTokens is the hard ceiling: twice the target
func (c *Chunker) maxTokens() int {
	return c.config.TargetTokens * 2
}

// estimateTokens approximates token count from text using word count
func estimateTokens(text string) int {
	return len(strings.Fields(text))
}

type block struct {
	kind    string // header, paragraph, code, table, list
	content string
	section string
	page    int
}

var (
	headerPattern    = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	codeBlockPattern = regexp.MustCompile("(?s)```\\w*\\n.*?```")
	tablePattern     = regexp.MustCompile(`(?m)^\|.+\|$`)
	listItemPattern  = regexp.MustCompile(`^(\-|\*|\+|\d+\.)\s`)
	paragraphSplit   = regexp.MustCompile(`\n\s*\n`)
)

// Chunk splits content into ordered chunks
func (c *Chunker) Chunk(content string) []Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	blocks := c.parseBlocks(content)
	chunks := c.groupBlocks(blocks)
	if c.config.Overlap > 0 {
		chunks = c.addOverlap(chunks)
	}

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// parseBlocks splits content into structural blocks, tracking the current
// section header and page number.
func (c *Chunker) parseBlocks(content string) []block {
	// Protect code blocks from paragraph splitting.
	codeBlocks := codeBlockPattern.FindAllStringIndex(content, -1)
	codeByPlaceholder := make(map[string]string)
	for i := len(codeBlocks) - 1; i >= 0; i-- {
		match := codeBlocks[i]
		placeholder := "\x00code" + strconv.Itoa(i) + "\x00"
		codeByPlaceholder[placeholder] = content[match[0]:match[1]]
		content = content[:match[0]] + placeholder + content[match[1]:]
	}

	var blocks []block
	section := ""
	page := 1

	for _, para := range paragraphSplit.Split(content, -1) {
		page += strings.Count(para, "\f")
		para = strings.TrimSpace(strings.ReplaceAll(para, "\f", "\n"))
		if para == "" {
			continue
		}

		if code, ok := codeByPlaceholder[para]; ok {
			blocks = append(blocks, block{kind: "code", content: code, section: section, page: page})
			continue
		}

		if m := headerPattern.FindStringSubmatch(para); m != nil && strings.Count(para, "\n") == 0 {
			section = strings.TrimSpace(m[2])
			blocks = append(blocks, block{kind: "header", content: para, section: section, page: page})
			continue
		}

		kind := "paragraph"
		switch {
		case tablePattern.MatchString(para):
			kind = "table"
		case listItemPattern.MatchString(strings.TrimSpace(strings.SplitN(para, "\n", 2)[0])):
			kind = "list"
		}
		blocks = append(blocks, block{kind: kind, content: para, section: section, page: page})
	}

	return blocks
}

// groupBlocks packs blocks into chunks near the target size. Code blocks and
// tables are atomic; an oversized paragraph is split on sentence boundaries.
func (c *Chunker) groupBlocks(blocks []block) []Chunk {
	var chunks []Chunk
	var pending []block
	pendingTokens := 0

	flush := func() {
		if len(pending) == 0 {
			return
		}
		parts := make([]string, 0, len(pending))
		for _, b := range pending {
			parts = append(parts, b.content)
		}
		content := strings.TrimSpace(strings.Join(parts, "\n\n"))

		metadata := map[string]string{}
		for _, b := range pending {
			if b.kind == "code" {
				metadata["contains_code"] = "true"
			}
			if b.kind == "table" {
				metadata["contains_table"] = "true"
			}
		}
		if s := pending[0].section; s != "" {
			metadata["section"] = s
		}

		chunks = append(chunks, Chunk{
			Content:  content,
			Index:    len(chunks),
			Section:  pending[0].section,
			Page:     pending[0].page,
			Tokens:   estimateTokens(content),
			Metadata: metadata,
		})
		pending = nil
		pendingTokens = 0
	}

	for _, b := range blocks {
		tokens := estimateTokens(b.content)
		atomic := b.kind == "code" || b.kind == "table"

		if tokens > c.maxTokens() {
			flush()
			if atomic {
				// Oversized atomic blocks stay whole; splitting code or
				// tables destroys them.
				pending = append(pending, b)
				flush()
			} else {
				chunks = append(chunks, c.splitOversized(b, len(chunks))...)
			}
			continue
		}

		if pendingTokens+tokens > c.config.TargetTokens && pendingTokens > 0 {
			if atomic && pendingTokens+tokens <= c.maxTokens() {
				pending = append(pending, b)
				flush()
				continue
			}
			flush()
		}

		pending = append(pending, b)
		pendingTokens += tokens
	}
	flush()

	return chunks
}

// splitOversized splits a block that exceeds the ceiling on sentence
// boundaries.
func (c *Chunker) splitOversized(b block, startIndex int) []Chunk {
	var chunks []Chunk
	var sentences []string
	tokens := 0

	flush := func() {
		if len(sentences) == 0 {
			return
		}
		content := strings.TrimSpace(strings.Join(sentences, " "))
		metadata := map[string]string{"split": "true"}
		if b.section != "" {
			metadata["section"] = b.section
		}
		chunks = append(chunks, Chunk{
			Content:  content,
			Index:    startIndex + len(chunks),
			Section:  b.section,
			Page:     b.page,
			Tokens:   estimateTokens(content),
			Metadata: metadata,
		})
		sentences = nil
		tokens = 0
	}

	for _, sentence := range splitSentences(b.content) {
		sentenceTokens := estimateTokens(sentence)
		if tokens+sentenceTokens > c.config.TargetTokens && tokens > 0 {
			flush()
		}
		sentences = append(sentences, sentence)
		tokens += sentenceTokens
	}
	flush()

	return chunks
}

// addOverlap prefixes each chunk with the tail of its predecessor
func (c *Chunker) addOverlap(chunks []Chunk) []Chunk {
	if len(chunks) <= 1 {
		return chunks
	}

	result := make([]Chunk, len(chunks))
	result[0] = chunks[0]

	for i := 1; i < len(chunks); i++ {
		chunk := chunks[i]
		prevWords := strings.Fields(chunks[i-1].Content)

		overlap := c.config.Overlap
		if overlap > len(prevWords) {
			overlap = len(prevWords)
		}
		if overlap > 0 {
			tail := strings.Join(prevWords[len(prevWords)-overlap:], " ")
			chunk.Content = "[...] " + tail + "\n\n" + chunk.Content
			chunk.Tokens = estimateTokens(chunk.Content)
			metadata := make(map[string]string, len(chunk.Metadata)+1)
			for k, v := range chunks[i].Metadata {
				metadata[k] = v
			}
			metadata["has_overlap"] = "true"
			chunk.Metadata = metadata
		}
		result[i] = chunk
	}

	return result
}

// splitSentences splits text on sentence boundaries, skipping common
// abbreviations.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		sentence := strings.TrimSpace(current.String())
		if sentence != "" && !endsWithAbbreviation(sentence) {
			sentences = append(sentences, sentence)
			current.Reset()
		}
	}

	if remaining := strings.TrimSpace(current.String()); remaining != "" {
		sentences = append(sentences, remaining)
	}
	return sentences
}

var abbreviations = []string{
	"mr.", "mrs.", "ms.", "dr.", "prof.",
	"inc.", "ltd.", "corp.",
	"etc.", "e.g.", "i.e.",
	"vs.", "v.",
	"st.", "ave.", "blvd.",
	"no.", "vol.", "pg.",
}

func endsWithAbbreviation(text string) bool {
	lower := strings.ToLower(text)
	for _, abbr := range abbreviations {
		if strings.HasSuffix(lower, abbr) {
			return true
		}
	}
	return false
}
