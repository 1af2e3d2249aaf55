package retriever

import "context"

// EmbeddingGenerator is the plug-in point for the optional vector
// backend. When no backend is available the noop variant is used and the
// semantic and hybrid search modes silently downgrade to fast.
type EmbeddingGenerator interface {
	// Initialize prepares the backend. An error means the backend stays
	// unavailable; it is not fatal.
	Initialize(ctx context.Context) error
	// Ready reports whether Embed calls can succeed.
	Ready() bool
	// Embed produces a vector for one text. Queries and documents may be
	// encoded differently by some backends.
	Embed(ctx context.Context, text string, isQuery bool) ([]float32, error)
	// EmbedBatch produces vectors for many texts in one call.
	EmbedBatch(ctx context.Context, texts []string, areQueries bool) ([][]float32, error)
}

// NoopEmbedder is the always-unavailable backend.
type NoopEmbedder struct{}

func (NoopEmbedder) Initialize(context.Context) error { return nil }

func (NoopEmbedder) Ready() bool { return false }

func (NoopEmbedder) Embed(context.Context, string, bool) ([]float32, error) {
	return nil, nil
}

func (NoopEmbedder) EmbedBatch(context.Context, []string, bool) ([][]float32, error) {
	return nil, nil
}
