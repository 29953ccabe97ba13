package kb

import (
	"fmt"
	"time"

	"github.com/efebarandurmaz/kiln/internal/chunker"
	"github.com/efebarandurmaz/kiln/internal/document"
	"github.com/efebarandurmaz/kiln/internal/graph"
)

// DocStatus is the processing outcome of a document.
type DocStatus string

const (
	StatusProcessed DocStatus = "processed"
	// StatusPartial documents have chunks that failed to embed; ingesting
	// the same content again retries only those chunks.
	StatusPartial DocStatus = "partial"
	StatusFailed  DocStatus = "failed"
)

// DocumentRecord is the persisted state of one document.
type DocumentRecord struct {
	ID           string          `json:"id"`
	Source       string          `json:"source"`
	Format       document.Format `json:"format"`
	Fingerprint  string          `json:"fingerprint"`
	Content      string          `json:"content"`
	Status       DocStatus       `json:"status"`
	ChunkCount   int             `json:"chunk_count"`
	FailedChunks []int           `json:"failed_chunks,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ChunkRecord is a committed chunk with its embedding.
type ChunkRecord struct {
	ID string `json:"id"`
	chunker.Chunk
	Embedding []float32 `json:"embedding"`
}

// Batch is everything one document contributes in a single commit.
type Batch struct {
	Document  DocumentRecord
	Chunks    []ChunkRecord
	Entities  []graph.EntityUpdate
	Relations []graph.RelationUpdate
}

// CommitResult counts the graph changes a batch made.
type CommitResult struct {
	EntitiesCreated  int
	EntitiesMerged   int
	RelationsCreated int
	RelationsMerged  int
}

// Stats summarizes the knowledge base.
type Stats struct {
	Documents   int               `json:"documents"`
	ByStatus    map[DocStatus]int `json:"by_status"`
	Chunks      int               `json:"chunks"`
	Entities    int               `json:"entities"`
	Relations   int               `json:"relations"`
	Dimension   int               `json:"dimension"`
	VectorCount int               `json:"vector_count"`
}

// StorageWriteError is returned when persisting a document failed. Every
// partial write of that document has been rolled back unless RollbackErr is
// set.
type StorageWriteError struct {
	DocumentID  string
	Op          string
	Err         error
	RollbackErr error
}

func (e *StorageWriteError) Error() string {
	msg := fmt.Sprintf("storage write failed for document %s during %s: %v", e.DocumentID, e.Op, e.Err)
	if e.RollbackErr != nil {
		msg += fmt.Sprintf(" (rollback incomplete: %v)", e.RollbackErr)
	}
	return msg
}

func (e *StorageWriteError) Unwrap() error { return e.Err }
