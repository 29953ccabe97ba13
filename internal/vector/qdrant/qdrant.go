// Package qdrant stores chunk embeddings in a Qdrant collection over gRPC.
package qdrant

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/efebarandurmaz/kiln/internal/vector"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const chunkIDKey = "chunk_id"

// pointNamespace derives stable point UUIDs from chunk IDs.
var pointNamespace = uuid.MustParse("6f1c2a4e-7b3d-5e8f-9a0b-1c2d3e4f5a6b")

// Index implements vector.Index on one Qdrant collection using cosine
// distance. The collection is created on the first upsert.
type Index struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	configured  int

	mu  sync.Mutex
	dim int
}

// New connects to host:port and reads the dimension of an existing
// collection. dim of zero adopts the first upserted vector length.
func New(ctx context.Context, host string, port int, collection string, dim int) (*Index, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	idx := &Index{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		configured:  dim,
		dim:         dim,
	}
	existing, err := idx.existingDimension(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if existing > 0 {
		if dim > 0 && existing != dim {
			conn.Close()
			return nil, &vector.DimensionMismatchError{ID: collection, Expected: dim, Got: existing}
		}
		idx.dim = existing
	}
	return idx, nil
}

// PointID maps a chunk ID to its Qdrant point UUID.
func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

func (i *Index) Dimension() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dim
}

func (i *Index) exists(ctx context.Context) (bool, error) {
	resp, err := i.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("qdrant list collections: %w", err)
	}
	for _, c := range resp.GetCollections() {
		if c.GetName() == i.collection {
			return true, nil
		}
	}
	return false, nil
}

func (i *Index) existingDimension(ctx context.Context) (int, error) {
	ok, err := i.exists(ctx)
	if err != nil || !ok {
		return 0, err
	}
	info, err := i.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: i.collection})
	if err != nil {
		return 0, fmt.Errorf("qdrant collection info: %w", err)
	}
	size := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	return int(size), nil
}

// ensure creates the collection for dim if it does not exist. Caller holds mu.
func (i *Index) ensure(ctx context.Context, dim int) error {
	ok, err := i.exists(ctx)
	if err != nil || ok {
		return err
	}
	_, err = i.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: i.collection,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{
			Params: &pb.VectorParams{Size: uint64(dim), Distance: pb.Distance_Cosine},
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection %s: %w", i.collection, err)
	}
	return nil
}

func (i *Index) Upsert(ctx context.Context, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	dim := i.dim
	for _, r := range records {
		if err := vector.CheckDimension(r.ID, r.Vector, dim); err != nil {
			return err
		}
		if dim == 0 {
			dim = len(r.Vector)
		}
	}
	if err := i.ensure(ctx, dim); err != nil {
		return err
	}
	i.dim = dim

	points := make([]*pb.PointStruct, len(records))
	for n, r := range records {
		points[n] = &pb.PointStruct{
			Id:      pointID(r.ID),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Vector}}},
			Payload: payload(r),
		}
	}
	wait := true
	_, err := i.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: i.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (i *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 || i.Dimension() == 0 {
		return nil
	}
	pids := make([]*pb.PointId, len(ids))
	for n, id := range ids {
		pids[n] = pointID(id)
	}
	wait := true
	_, err := i.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: i.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Points{
			Points: &pb.PointsIdsList{Ids: pids},
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant delete: %w", err)
	}
	return nil
}

func (i *Index) Search(ctx context.Context, query []float32, k int) ([]vector.Hit, error) {
	dim := i.Dimension()
	if k <= 0 || dim == 0 {
		return nil, nil
	}
	if err := vector.CheckDimension("query", query, dim); err != nil {
		return nil, err
	}
	resp, err := i.points.Search(ctx, &pb.SearchPoints{
		CollectionName: i.collection,
		Vector:         query,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}
	return hits(resp.GetResult()), nil
}

func (i *Index) Count(ctx context.Context) (int, error) {
	if i.Dimension() == 0 {
		return 0, nil
	}
	exact := true
	resp, err := i.points.Count(ctx, &pb.CountPoints{CollectionName: i.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("qdrant count: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Reset drops the collection. It is recreated by the next upsert.
func (i *Index) Reset(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	ok, err := i.exists(ctx)
	if err != nil {
		return err
	}
	if ok {
		if _, err := i.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: i.collection}); err != nil {
			return fmt.Errorf("qdrant delete collection: %w", err)
		}
	}
	i.dim = i.configured
	return nil
}

func (i *Index) Close() error {
	if i.conn == nil {
		return nil
	}
	return i.conn.Close()
}

func pointID(chunkID string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(chunkID)}}
}

func payload(r vector.Record) map[string]*pb.Value {
	p := map[string]*pb.Value{
		chunkIDKey: {Kind: &pb.Value_StringValue{StringValue: r.ID}},
	}
	for k, v := range r.Metadata {
		if k == chunkIDKey {
			continue
		}
		p[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	return p
}

// hits maps scored points back to chunk IDs and applies the ID tie-break.
func hits(points []*pb.ScoredPoint) []vector.Hit {
	out := make([]vector.Hit, 0, len(points))
	for _, pt := range points {
		id := pt.GetPayload()[chunkIDKey].GetStringValue()
		if id == "" {
			continue
		}
		out = append(out, vector.Hit{ID: id, Score: pt.GetScore()})
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		return out[a].ID < out[b].ID
	})
	return out
}

var _ vector.Index = (*Index)(nil)
