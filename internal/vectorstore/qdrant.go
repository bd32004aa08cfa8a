package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore implements VectorStore using Qdrant
type QdrantStore struct {
	client *qdrant.Client
}

// NewQdrantStore creates a new Qdrant vector store client
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// name returns the qdrant collection name for a logical collection
func (s *QdrantStore) name(collectionID uuid.UUID) string {
	return "col_" + strings.ReplaceAll(collectionID.String(), "-", "")
}

// CreateCollection creates the namespace for a collection
func (s *QdrantStore) CreateCollection(ctx context.Context, collectionID uuid.UUID, dimension int) error {
	err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.name(collectionID),
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// DeleteCollection deletes a collection's namespace
func (s *QdrantStore) DeleteCollection(ctx context.Context, collectionID uuid.UUID) error {
	if err := s.client.DeleteCollection(ctx, s.name(collectionID)); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

// CollectionExists checks if a collection's namespace exists
func (s *QdrantStore) CollectionExists(ctx context.Context, collectionID uuid.UUID) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, s.name(collectionID))
	if err != nil {
		return false, fmt.Errorf("failed to check collection existence: %w", err)
	}
	return exists, nil
}

// Upsert inserts or updates points
func (s *QdrantStore) Upsert(ctx context.Context, collectionID uuid.UUID, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, point := range points {
		payload := map[string]*qdrant.Value{
			"document_id": qdrant.NewValueString(point.DocumentID.String()),
			"chunk_index": qdrant.NewValueInt(int64(point.ChunkIndex)),
			"content":     qdrant.NewValueString(point.Content),
		}
		for k, v := range point.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}

		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(point.ID.String()),
			Payload: payload,
			Vectors: qdrant.NewVectors(point.Vector...),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.name(collectionID),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// Search performs cosine similarity search with optional payload filters
func (s *QdrantStore) Search(ctx context.Context, collectionID uuid.UUID, vector []float32, topK int, filters map[string][]string) ([]SearchResult, error) {
	query := &qdrant.QueryPoints{
		CollectionName: s.name(collectionID),
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	if len(filters) > 0 {
		var must []*qdrant.Condition
		for key, values := range filters {
			must = append(must, qdrant.NewMatchKeywords(key, values...))
		}
		query.Filter = &qdrant.Filter{Must: must}
	}

	response, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0, len(response))
	for _, point := range response {
		result, err := s.toResult(point)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	return results, nil
}

func (s *QdrantStore) toResult(point *qdrant.ScoredPoint) (SearchResult, error) {
	id, err := uuid.Parse(point.Id.GetUuid())
	if err != nil {
		return SearchResult{}, fmt.Errorf("invalid point id %q: %w", point.Id.GetUuid(), err)
	}

	result := SearchResult{
		ID:       id,
		Score:    point.Score,
		Metadata: make(map[string]string),
	}

	for k, v := range point.Payload {
		switch k {
		case "document_id":
			docID, err := uuid.Parse(v.GetStringValue())
			if err != nil {
				return SearchResult{}, fmt.Errorf("invalid document id in payload: %w", err)
			}
			result.DocumentID = docID
		case "chunk_index":
			result.ChunkIndex = int(v.GetIntegerValue())
		case "content":
			result.Content = v.GetStringValue()
		default:
			result.Metadata[k] = v.GetStringValue()
		}
	}

	return result, nil
}

// DeleteDocument removes all points belonging to a document
func (s *QdrantStore) DeleteDocument(ctx context.Context, collectionID, documentID uuid.UUID) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.name(collectionID),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch("document_id", documentID.String()),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by document ID: %w", err)
	}

	return nil
}

// DeleteByIDs removes specific points
func (s *QdrantStore) DeleteByIDs(ctx context.Context, collectionID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id.String())
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.name(collectionID),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by IDs: %w", err)
	}

	return nil
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
