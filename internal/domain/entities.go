package domain

import "time"

type DocumentStatus string

const (
	StatusPending DocumentStatus = "PENDING"
	StatusIndexed DocumentStatus = "INDEXED"
	StatusFailed  DocumentStatus = "FAILED"
)

// Document is the coordinator's record of one ingested document.
// Revision is the latest attempted revision; IndexedRevision is the one
// currently visible to queries (0 when nothing was ever committed).
type Document struct {
	ID              string         `json:"id"`
	Revision        int64          `json:"revision"`
	Status          DocumentStatus `json:"status"`
	IndexedRevision int64          `json:"indexed_revision"`
	ChunkHashes     []string       `json:"chunk_hashes,omitempty"`
	TextHash        string         `json:"text_hash,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ChunkCount returns the number of chunks in the committed revision.
func (d Document) ChunkCount() int {
	return len(d.ChunkHashes)
}

type Chunk struct {
	DocumentID  string `json:"document_id"`
	Sequence    int    `json:"sequence"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Text        string `json:"text"`
	ContentHash string `json:"content_hash"`
	TokenCount  int    `json:"token_count"`
}

type Embedding struct {
	Vector       []float32
	ModelVersion string
}

type VectorEntry struct {
	DocumentID  string
	Sequence    int
	ContentHash string
	Text        string
	Vector      []float32
}

type KeywordEntry struct {
	DocumentID  string
	Sequence    int
	ContentHash string
	Text        string
	Tokens      []string
}

// EntryKey identifies one chunk inside both indexes.
type EntryKey struct {
	Sequence    int
	ContentHash string
}

// Hit is a single index search result.
type Hit struct {
	DocumentID  string
	Sequence    int
	ContentHash string
	Text        string
	Score       float64
}

// Filter restricts a search. The zero value matches everything.
type Filter struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
}

func (f Filter) IsEmpty() bool {
	return len(f.DocumentIDs) == 0
}

// Set returns the document ID set, or nil for an empty filter.
func (f Filter) Set() map[string]struct{} {
	if f.IsEmpty() {
		return nil
	}
	set := make(map[string]struct{}, len(f.DocumentIDs))
	for _, id := range f.DocumentIDs {
		set[id] = struct{}{}
	}
	return set
}

type RetrievalPath string

const (
	PathVector  RetrievalPath = "vector"
	PathKeyword RetrievalPath = "keyword"
	PathHybrid  RetrievalPath = "hybrid"
)

type ScoredPassage struct {
	DocumentID    string        `json:"document_id"`
	Sequence      int           `json:"sequence_index"`
	Text          string        `json:"text"`
	Score         float64       `json:"score"`
	VectorScore   *float64      `json:"vector_score,omitempty"`
	KeywordScore  *float64      `json:"keyword_score,omitempty"`
	RetrievalPath RetrievalPath `json:"retrieval_path"`
}

type QueryResult struct {
	Query    string                   `json:"query"`
	Passages []ScoredPassage          `json:"passages"`
	Paths    []RetrievalPath          `json:"paths"`
	Degraded bool                     `json:"degraded"`
	Errors   map[RetrievalPath]string `json:"errors,omitempty"`
	// Pending lists documents left out because a commit on them did not
	// finish within the settle timeout.
	Pending []string `json:"pending,omitempty"`
}

type IngestRequest struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	Revision   int64  `json:"revision"`
}

type IngestResult struct {
	DocumentID string         `json:"document_id"`
	Revision   int64          `json:"revision"`
	Status     DocumentStatus `json:"status"`
	Chunks     int            `json:"chunks"`
	Added      int            `json:"added"`
	Removed    int            `json:"removed"`
	Kept       int            `json:"kept"`
	CacheHits  int            `json:"cache_hits"`
	Unchanged  bool           `json:"unchanged"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
}
