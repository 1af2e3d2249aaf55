package index

import (
	"encoding/json"
	"fmt"
	"time"

	"mcpsquared-go/internal/stringutil"
)

// IndexedTool is the persisted row for one tool from one upstream. Row
// identity is (UpstreamKey, ToolName).
type IndexedTool struct {
	UpstreamKey string          `json:"upstream_key"`
	ToolName    string          `json:"tool_name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	SchemaHash  string          `json:"schema_hash"`
	Embedding   []float32       `json:"embedding,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// QualifiedName returns the upstreamKey:toolName display form.
func (t *IndexedTool) QualifiedName() string {
	return stringutil.JoinQualified(t.UpstreamKey, t.ToolName)
}

// MarshalBinary implements encoding.BinaryMarshaler for bbolt storage.
func (t *IndexedTool) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for bbolt storage.
func (t *IndexedTool) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, t)
}

// SearchResult pairs a row with its full-text relevance score.
type SearchResult struct {
	Tool  *IndexedTool `json:"tool"`
	Score float64      `json:"score"`
}

// EmbeddingUpdate attaches a vector to an existing row.
type EmbeddingUpdate struct {
	UpstreamKey string
	ToolName    string
	Vector      []float32
}

// RelatedTool is a co-occurrence neighbor with its pair count.
type RelatedTool struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ErrToolNotFound reports a lookup miss by qualified identity.
type ErrToolNotFound struct {
	UpstreamKey string
	ToolName    string
}

func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("ToolNotFound: %s not indexed",
		stringutil.JoinQualified(e.UpstreamKey, e.ToolName))
}
