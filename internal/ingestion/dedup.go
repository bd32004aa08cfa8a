package ingestion

import "strings"

// jaccardThreshold is the similarity above which two chunks are considered
// near-duplicates. Boilerplate repeated across pages (headers, footers,
// license blocks) lands well above this.
const jaccardThreshold = 0.7

// dedupChunks drops chunks that are near-duplicates of an earlier chunk,
// preserving order. Indexes are not renumbered here; the caller reindexes
// after all filtering.
func dedupChunks(chunks []Chunk) []Chunk {
	if len(chunks) <= 1 {
		return chunks
	}

	kept := make([]Chunk, 0, len(chunks))
	keptSets := make([]map[string]bool, 0, len(chunks))

	for _, chunk := range chunks {
		set := wordSet(chunk.Content)
		duplicate := false
		for _, other := range keptSets {
			if jaccard(set, other) >= jaccardThreshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept = append(kept, chunk)
		keptSets = append(keptSets, set)
	}

	return kept
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		set[word] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for word := range a {
		if b[word] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
