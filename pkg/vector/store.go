// Package vector implements the embedding index on Qdrant over gRPC.
package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kbforge/kbforge/pkg/config"
)

// Store is the sole owner of all Qdrant operations.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dimensions  int
}

// SearchResult is one semantic-search hit.
type SearchResult struct {
	ItemID  string            `json:"item_id"`
	Score   float32           `json:"score"`
	Payload map[string]string `json:"payload,omitempty"`
}

// New creates a Store connected to Qdrant at the configured gRPC address.
func New(cfg *config.VectorConfig) (*Store, error) {
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vector: dial qdrant %s: %w", cfg.Addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  cfg.Collection,
		dimensions:  cfg.Dimensions,
	}, nil
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (s *Store) EnsureCollection(ctx context.Context) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vector: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(s.dimensions),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: create collection %s: %w", s.collection, err)
	}
	return nil
}

// Upsert stores one item's embedding. The point id is derived
// deterministically from the item id, so re-embedding overwrites in place.
func (s *Store) Upsert(ctx context.Context, itemID string, vec []float32, payload map[string]string) error {
	qp := make(map[string]*pb.Value, len(payload)+1)
	for k, v := range payload {
		qp[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	qp["item_id"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: itemID}}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: pointID(itemID)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: vec},
				},
			},
			Payload: qp,
		}},
	})
	if err != nil {
		return fmt.Errorf("vector: upsert item %s: %w", itemID, err)
	}
	return nil
}

// Delete removes an item's embedding, if present.
func (s *Store) Delete(ctx context.Context, itemID string) error {
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{
						fieldMatch("item_id", itemID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: delete item %s: %w", itemID, err)
	}
	return nil
}

// Search performs k-NN similarity search, optionally filtered by payload
// fields (main_category, sub_category).
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for k, v := range filters {
			must = append(must, fieldMatch(k, v))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vector: search: %w", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		sr := SearchResult{
			Score:   r.GetScore(),
			Payload: make(map[string]string),
		}
		for k, val := range r.GetPayload() {
			if k == "item_id" {
				sr.ItemID = val.GetStringValue()
				continue
			}
			sr.Payload[k] = val.GetStringValue()
		}
		results[i] = sr
	}
	return results, nil
}

// pointID derives a stable UUID from the item id; Qdrant point ids must be
// UUIDs or integers.
func pointID(itemID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(itemID)).String()
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
