// Package graph builds and queries the per-collection entity graph used by
// graph-augmented retrieval. Entities are extracted heuristically at
// ingestion time; retrieval expands query entities one hop to the chunks
// their neighbours appear in.
package graph

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

// Entity kinds produced by the extractor
const (
	KindName    = "name"    // capitalized multi-word phrases
	KindTerm    = "term"    // code identifiers and acronyms
	KindNumeric = "numeric" // versioned identifiers like v1.2 or RFC 7231
)

// maxEntitiesPerChunk bounds extraction so a pathological chunk cannot
// flood the graph.
const maxEntitiesPerChunk = 16

var (
	namePattern    = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+\b`)
	termPattern    = regexp.MustCompile(`\b(?:[A-Z]{2,8}|[a-z]+(?:[A-Z][a-z]+)+)\b`)
	numericPattern = regexp.MustCompile(`\b(?:v\d+(?:\.\d+)*|RFC\s?\d{3,5})\b`)
)

// stopPhrases are capitalized phrases too generic to be useful graph nodes
var stopPhrases = map[string]bool{
	"the":  true,
	"this": true,
	"that": true,
	"with": true,
	"from": true,
	"for":  true,
	"and":  true,
	"not":  true,
}

// Extractor derives entities and co-occurrence edges from chunks
type Extractor struct{}

// NewExtractor creates an extractor
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract finds entities in the chunks and links entities that co-occur in
// the same chunk. Entity ids are provisional; the repository resolves them
// against existing nodes on write.
func (e *Extractor) Extract(collectionID uuid.UUID, chunks []*repository.Chunk) ([]*repository.GraphEntity, []*repository.GraphEdge) {
	seen := make(map[string]*repository.GraphEntity)
	var entities []*repository.GraphEntity
	var edges []*repository.GraphEdge

	for _, chunk := range chunks {
		found := extractFromText(chunk.Content)
		if len(found) > maxEntitiesPerChunk {
			found = found[:maxEntitiesPerChunk]
		}

		var inChunk []*repository.GraphEntity
		for _, f := range found {
			key := f.kind + "\x00" + strings.ToLower(f.name)
			entity, ok := seen[key]
			if !ok {
				entity = &repository.GraphEntity{
					ID:           uuid.New(),
					CollectionID: collectionID,
					Name:         f.name,
					Kind:         f.kind,
				}
				seen[key] = entity
				entities = append(entities, entity)
			}
			inChunk = append(inChunk, entity)
		}

		// Pairwise co-occurrence edges within the chunk.
		for i := 0; i < len(inChunk); i++ {
			for j := i + 1; j < len(inChunk); j++ {
				edges = append(edges, &repository.GraphEdge{
					ID:           uuid.New(),
					CollectionID: collectionID,
					SourceID:     inChunk[i].ID,
					TargetID:     inChunk[j].ID,
					ChunkID:      chunk.ID,
				})
			}
		}
	}

	return entities, edges
}

type candidate struct {
	name string
	kind string
}

func extractFromText(text string) []candidate {
	var out []candidate
	dedup := make(map[string]bool)

	add := func(name, kind string) {
		name = strings.TrimSpace(name)
		if name == "" || stopPhrases[strings.ToLower(name)] {
			return
		}
		key := kind + "\x00" + strings.ToLower(name)
		if dedup[key] {
			return
		}
		dedup[key] = true
		out = append(out, candidate{name: name, kind: kind})
	}

	for _, m := range namePattern.FindAllString(text, -1) {
		add(m, KindName)
	}
	for _, m := range termPattern.FindAllString(text, -1) {
		add(m, KindTerm)
	}
	for _, m := range numericPattern.FindAllString(text, -1) {
		add(m, KindNumeric)
	}

	return out
}

// QueryEntities extracts entity names from a search query for matching
// against the stored graph.
func QueryEntities(query string) []string {
	var names []string
	for _, c := range extractFromText(query) {
		names = append(names, c.name)
	}
	return names
}

// Expander resolves query entities and walks one hop to neighbour chunks
type Expander struct {
	repo repository.GraphRepository
}

// NewExpander creates an expander over the graph repository
func NewExpander(repo repository.GraphRepository) *Expander {
	return &Expander{repo: repo}
}

// Neighbourhood returns chunk ids linked to the query's entities within one
// hop. An empty result means the graph has nothing to add and the caller
// should fall back to plain semantic retrieval.
func (x *Expander) Neighbourhood(ctx context.Context, collectionID uuid.UUID, query string, limit int) ([]uuid.UUID, error) {
	names := QueryEntities(query)
	if len(names) == 0 {
		return nil, nil
	}

	entities, err := x.repo.FindEntities(ctx, collectionID, names)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	return x.repo.NeighbourChunkIDs(ctx, collectionID, ids, limit)
}
