// Package semantic is the gateway to the Qdrant vector index: collection
// provisioning, idempotent upserts keyed by deterministic ids, and filtered
// nearest-neighbour search.
package semantic

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/dinewise/ragsvc/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// pointsAPI is the subset of pb.PointsClient used by the store.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient used by the store.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations. It is safe for
// concurrent use; Qdrant itself serialises writes to the same point id.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string

	// dims is the collection's vector size once known, 0 before.
	dims atomic.Uint64
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection)
	vs.conn = conn
	return vs, nil
}

// NewWithClients creates a VectorStore over pre-built clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *VectorStore {
	return &VectorStore{
		points:      points,
		collections: collections,
		collection:  collection,
	}
}

// Close closes the underlying gRPC connection, if the store owns one.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Collection returns the collection name.
func (v *VectorStore) Collection() string { return v.collection }

// Ping checks that Qdrant answers.
func (v *VectorStore) Ping(ctx context.Context) error {
	if _, err := v.collections.List(ctx, &pb.ListCollectionsRequest{}); err != nil {
		return domain.NewIndexError("ping", err)
	}
	return nil
}

// EnsureCollection creates the collection with cosine distance if it does not
// exist. An existing collection is left untouched even when its size differs
// from dims; the existing size is remembered so that Upsert rejects
// mismatched vectors instead of sending them.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	if dims <= 0 {
		return domain.NewIndexError("ensure collection", fmt.Errorf("invalid vector size %d", dims))
	}

	found, err := v.hasCollection(ctx)
	if err != nil {
		return err
	}
	if found {
		v.rememberExistingSize(ctx)
		return nil
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		// A concurrent ingest may have created it between List and Create.
		if found, lerr := v.hasCollection(ctx); lerr == nil && found {
			v.rememberExistingSize(ctx)
			return nil
		}
		return domain.NewIndexError("create collection "+v.collection, err)
	}
	v.dims.Store(uint64(dims))
	return nil
}

func (v *VectorStore) hasCollection(ctx context.Context) (bool, error) {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, domain.NewIndexError("list collections", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return true, nil
		}
	}
	return false, nil
}

// rememberExistingSize records the size of an existing collection. Failure
// to read it is not an error; Qdrant will still reject bad upserts.
func (v *VectorStore) rememberExistingSize(ctx context.Context) {
	info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
	if err != nil {
		return
	}
	size := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if size > 0 {
		v.dims.Store(size)
	}
}

// PointCount returns the number of points in the collection. exists is false
// when the collection has not been created.
func (v *VectorStore) PointCount(ctx context.Context) (count uint64, exists bool, err error) {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return 0, false, domain.NewIndexError("list collections", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() != v.collection {
			continue
		}
		info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
		if err != nil {
			return 0, true, domain.NewIndexError("get collection "+v.collection, err)
		}
		return info.GetResult().GetPointsCount(), true, nil
	}
	return 0, false, nil
}

// Dimensions returns the known vector size of the collection, or 0.
func (v *VectorStore) Dimensions() int { return int(v.dims.Load()) }

// DeleteCollection deletes the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: v.collection,
	})
	if err != nil {
		return domain.NewIndexError("delete collection "+v.collection, err)
	}
	v.dims.Store(0)
	return nil
}

// Upsert writes or overwrites records by id. Concurrent upserts to the same
// id resolve last-writer-wins inside Qdrant; no merging happens.
func (v *VectorStore) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	dims := v.dims.Load()
	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		if dims > 0 && uint64(len(r.Vector)) != dims {
			return domain.NewIndexError("upsert", fmt.Errorf("%w: record %s has %d dimensions, collection %s has %d",
				domain.ErrDimensionMismatch, r.ID, len(r.Vector), v.collection, dims))
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Vector},
				},
			},
			Payload: encodePayload(r.Payload),
		}
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return domain.NewIndexError(fmt.Sprintf("upsert %d points", len(records)), err)
	}
	return nil
}

// Search returns the limit nearest records, descending by score, optionally
// constrained by keyword equality on payload fields.
func (v *VectorStore) Search(ctx context.Context, vector []float32, limit int, filters map[string]string) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}

	if len(filters) > 0 {
		keys := make([]string, 0, len(filters))
		for k := range filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		must := make([]*pb.Condition, 0, len(filters))
		for _, k := range keys {
			must = append(must, fieldMatch(k, filters[k]))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, domain.NewIndexError("search", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		results[i] = SearchResult{
			ID:      r.GetId().GetUuid(),
			Score:   r.GetScore(),
			Payload: decodePayload(r.GetPayload()),
		}
	}
	return results, nil
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
