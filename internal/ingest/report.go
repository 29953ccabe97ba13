package ingest

import (
	"time"

	"github.com/efebarandurmaz/kiln/internal/kb"
)

// Report describes what one Ingest call did.
type Report struct {
	DocumentID  string       `json:"document_id"`
	Fingerprint string       `json:"fingerprint"`
	Skipped     bool         `json:"skipped"`
	Status      kb.DocStatus `json:"status"`
	ChunksAdded int          `json:"chunks_added"`

	EntitiesCreated  int `json:"entities_created"`
	EntitiesMerged   int `json:"entities_merged"`
	RelationsCreated int `json:"relations_created"`
	RelationsMerged  int `json:"relations_merged"`

	// ExtractionFailures counts chunks indexed without graph contributions.
	ExtractionFailures int `json:"extraction_failures"`
	// FailedChunks are chunk indices that could not be embedded. Ingesting
	// the same content again retries them.
	FailedChunks []int `json:"failed_chunks,omitempty"`
	// EmbeddingErr joins the *EmbeddingBackendError of every failed chunk.
	EmbeddingErr error `json:"-"`

	Duration time.Duration `json:"duration"`
}
