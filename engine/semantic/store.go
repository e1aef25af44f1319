// Package semantic owns all Qdrant vector store operations for the product
// catalog: collection management, upserts at ingestion time, and similarity
// search at query time.
package semantic

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/shoplens/shoplens/engine/domain"
)

// pointNamespace seeds deterministic point IDs so re-ingesting a product
// overwrites its previous point instead of duplicating it.
var pointNamespace = uuid.MustParse("b2c0a3f4-7d1e-4b6a-9f2d-3e8c5a1b0d47")

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	distance    pb.Distance
}

// Option configures a VectorStore.
type Option func(*VectorStore)

// WithDistance selects the similarity metric ("cosine" or "dot").
func WithDistance(name string) Option {
	return func(v *VectorStore) {
		if strings.EqualFold(name, "dot") {
			v.distance = pb.Distance_Dot
		}
	}
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, collection string, opts ...Option) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	v := &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		distance:    pb.Distance_Cosine,
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	return v.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist. All vectors in
// a collection share the given dimension; an existing collection with a
// different dimension is a configuration error surfaced here, at startup,
// rather than as opaque upsert failures later.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %v: %w", err, domain.ErrStoreUnavailable)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
			if err != nil {
				return fmt.Errorf("semantic: get collection %s: %v: %w", v.collection, err, domain.ErrStoreUnavailable)
			}
			if size, ok := collectionDims(info.GetResult()); ok && size != uint64(dims) {
				return fmt.Errorf("semantic: collection %s has dimension %d, want %d", v.collection, size, dims)
			}
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: v.distance,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %v: %w", v.collection, err, domain.ErrStoreUnavailable)
	}
	return nil
}

// collectionDims extracts the configured vector size of a collection.
// Named-vector collections report no single size; those return false.
func collectionDims(info *pb.CollectionInfo) (uint64, bool) {
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return 0, false
	}
	return params.GetSize(), true
}

// Upsert stores product vectors into Qdrant. Called by engine/ingest.
func (v *VectorStore) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.Product.ID)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Embedding},
				},
			},
			Payload: productPayload(r.Product),
		}
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %v: %w", len(records), err, domain.ErrStoreUnavailable)
	}
	return nil
}

// Delete removes a product's point. Used for catalog re-ingestion.
func (v *VectorStore) Delete(ctx context.Context, productID string) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(productID)}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete product %s: %v: %w", productID, err, domain.ErrStoreUnavailable)
	}
	return nil
}

// Search performs k-NN similarity search. Results are ordered by
// non-increasing score; ties are broken by product ID ascending so repeated
// searches return identical rankings.
func (v *VectorStore) Search(ctx context.Context, embedding []float32, k int, filter *SearchFilter) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}

	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if cond := filterConditions(filter); len(cond) > 0 {
		req.Filter = &pb.Filter{Must: cond}
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %v: %w", err, domain.ErrStoreUnavailable)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		results[i] = SearchResult{
			Product: productFromPayload(r.GetPayload()),
			Score:   r.GetScore(),
		}
	}
	SortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// SortResults orders results by score descending, ties by product ID ascending.
func SortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Product.ID < results[j].Product.ID
	})
}

// PointID derives the deterministic Qdrant point UUID for a product.
func PointID(productID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(productID)).String()
}

func filterConditions(f *SearchFilter) []*pb.Condition {
	if f == nil {
		return nil
	}
	var must []*pb.Condition
	if f.Category != "" {
		must = append(must, keywordMatch("category", f.Category))
	}
	if f.InStock != nil {
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   "in_stock",
					Match: &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: *f.InStock}},
				},
			},
		})
	}
	if f.MaxPrice > 0 {
		lte := f.MaxPrice
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   "price",
					Range: &pb.Range{Lte: &lte},
				},
			},
		})
	}
	return must
}

func keywordMatch(key, value string) *pb.Condition {
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

func productPayload(p domain.Product) map[string]*pb.Value {
	return map[string]*pb.Value{
		"product_id": {Kind: &pb.Value_StringValue{StringValue: p.ID}},
		"name":       {Kind: &pb.Value_StringValue{StringValue: p.Name}},
		"content":    {Kind: &pb.Value_StringValue{StringValue: p.Content}},
		"price":      {Kind: &pb.Value_DoubleValue{DoubleValue: p.Price}},
		"category":   {Kind: &pb.Value_StringValue{StringValue: p.Category}},
		"in_stock":   {Kind: &pb.Value_BoolValue{BoolValue: p.InStock}},
	}
}

func productFromPayload(payload map[string]*pb.Value) domain.Product {
	return domain.Product{
		ID:       payload["product_id"].GetStringValue(),
		Name:     payload["name"].GetStringValue(),
		Content:  payload["content"].GetStringValue(),
		Price:    payload["price"].GetDoubleValue(),
		Category: payload["category"].GetStringValue(),
		InStock:  payload["in_stock"].GetBoolValue(),
	}
}
