package ingestion

import (
	"strings"
	"testing"
)

func TestChunkerEmptyContent(t *testing.T) {
	c := NewChunker(ChunkerConfig{})
	if got := c.Chunk("   \n\n  "); got != nil {
		t.Errorf("Chunk(whitespace) = %v, want nil", got)
	}
}

func TestChunkerSingleParagraph(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetTokens: 100, Overlap: 10})
	chunks := c.Chunk("A short paragraph that fits in one chunk.")

	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}
	if chunks[0].Index != 0 {
		t.Errorf("Index = %d, want 0", chunks[0].Index)
	}
	if chunks[0].Tokens == 0 {
		t.Error("Tokens = 0, want > 0")
	}
}

func TestChunkerSectionTracking(t *testing.T) {
	content := "# Introduction\n\nFirst section text.\n\n## Details\n\nSecond section text."
	c := NewChunker(ChunkerConfig{TargetTokens: 4, Overlap: 0})
	chunks := c.Chunk(content)

	var sections []string
	for _, chunk := range chunks {
		sections = append(sections, chunk.Section)
	}

	foundDetails := false
	for _, s := range sections {
		if s == "Details" {
			foundDetails = true
		}
	}
	if !foundDetails {
		t.Errorf("no chunk carries section %q, got sections %v", "Details", sections)
	}
}

func TestChunkerCodeBlockStaysAtomic(t *testing.T) {
	code := "```go\nfunc main() {\n\tprintln(\"hello\")\n}\n```"
	content := "Intro paragraph.\n\n" + code + "\n\nOutro paragraph."

	c := NewChunker(ChunkerConfig{TargetTokens: 4, Overlap: 0})
	chunks := c.Chunk(content)

	found := false
	for _, chunk := range chunks {
		if strings.Contains(chunk.Content, "func main()") {
			found = true
			if !strings.Contains(chunk.Content, "```go") || !strings.HasSuffix(strings.TrimSpace(chunk.Content), "```") {
				t.Errorf("code block was split: %q", chunk.Content)
			}
			if chunk.Metadata["contains_code"] != "true" {
				t.Error("contains_code metadata missing")
			}
		}
	}
	if !found {
		t.Fatal("code block content missing from all chunks")
	}
}

func TestChunkerOversizedParagraphSplitsOnSentences(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString("This sentence pads the paragraph well past the ceiling. ")
	}

	c := NewChunker(ChunkerConfig{TargetTokens: 50, Overlap: 0})
	chunks := c.Chunk(sb.String())

	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want >= 2", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Index != i {
			t.Errorf("chunks[%d].Index = %d", i, chunk.Index)
		}
		if chunk.Metadata["split"] != "true" {
			t.Errorf("chunks[%d] missing split metadata", i)
		}
		if !strings.HasSuffix(strings.TrimSpace(chunk.Content), ".") {
			t.Errorf("chunks[%d] does not end on a sentence boundary: %q", i, chunk.Content)
		}
	}
}

func TestChunkerOverlap(t *testing.T) {
	content := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta. ", 8) +
		"\n\n" + strings.Repeat("iota kappa lambda mu nu xi omicron pi. ", 8)

	c := NewChunker(ChunkerConfig{TargetTokens: 60, Overlap: 5})
	chunks := c.Chunk(content)

	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want >= 2", len(chunks))
	}
	second := chunks[1]
	if !strings.HasPrefix(second.Content, "[...] ") {
		t.Fatalf("second chunk missing overlap prefix: %q", second.Content)
	}
	if second.Metadata["has_overlap"] != "true" {
		t.Error("has_overlap metadata missing")
	}
}

func TestChunkerPageTracking(t *testing.T) {
	content := "First page text.\n\nSecond part.\fNext page text."
	c := NewChunker(ChunkerConfig{TargetTokens: 3, Overlap: 0})
	chunks := c.Chunk(content)

	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want >= 2", len(chunks))
	}
	if chunks[0].Page != 1 {
		t.Errorf("first chunk Page = %d, want 1", chunks[0].Page)
	}
	last := chunks[len(chunks)-1]
	if last.Page != 2 {
		t.Errorf("last chunk Page = %d, want 2", last.Page)
	}
}

func TestSplitSentencesAbbreviations(t *testing.T) {
	sentences := splitSentences("Dr. Smith arrived. He left early.")
	if len(sentences) != 2 {
		t.Fatalf("len(sentences) = %d, want 2: %v", len(sentences), sentences)
	}
	if !strings.HasPrefix(sentences[0], "Dr. Smith") {
		t.Errorf("abbreviation split sentence: %q", sentences[0])
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens("one two three"); got != 3 {
		t.Errorf("estimateTokens = %d, want 3", got)
	}
	if got := estimateTokens(""); got != 0 {
		t.Errorf("estimateTokens(empty) = %d, want 0", got)
	}
}

func TestChunkerDefaults(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetTokens: -1, Overlap: -1})
	if c.config.TargetTokens != 512 {
		t.Errorf("TargetTokens = %d, want 512", c.config.TargetTokens)
	}
	if c.config.Overlap != 50 {
		t.Errorf("Overlap = %d, want 50", c.config.Overlap)
	}

	c = NewChunker(ChunkerConfig{TargetTokens: 20, Overlap: 30})
	if c.config.Overlap != 5 {
		t.Errorf("clamped Overlap = %d, want 5", c.config.Overlap)
	}
}
