package qdrant

import (
	"testing"

	"github.com/efebarandurmaz/kiln/internal/vector"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
)

func TestPointID_StableAndDistinct(t *testing.T) {
	a := PointID("doc-1-c0000")
	assert.Equal(t, a, PointID("doc-1-c0000"))
	assert.NotEqual(t, a, PointID("doc-1-c0001"))
	assert.Len(t, a, 36)
}

func TestPayload_KeepsChunkID(t *testing.T) {
	p := payload(vector.Record{ID: "c1", Metadata: map[string]string{"doc": "d1", chunkIDKey: "spoofed"}})
	assert.Equal(t, "c1", p[chunkIDKey].GetStringValue())
	assert.Equal(t, "d1", p["doc"].GetStringValue())
}

func TestHits_TieBreakAndSkipForeignPoints(t *testing.T) {
	str := func(s string) map[string]*pb.Value {
		return map[string]*pb.Value{chunkIDKey: {Kind: &pb.Value_StringValue{StringValue: s}}}
	}
	got := hits([]*pb.ScoredPoint{
		{Payload: str("b"), Score: 0.9},
		{Payload: str("a"), Score: 0.9},
		{Payload: map[string]*pb.Value{}, Score: 0.95},
		{Payload: str("c"), Score: 0.99},
	})
	assert.Equal(t, []vector.Hit{{ID: "c", Score: 0.99}, {ID: "a", Score: 0.9}, {ID: "b", Score: 0.9}}, got)
}
