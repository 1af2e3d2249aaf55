// Package retriever drives catalog sync and the three search modes over
// the index store.
package retriever

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"mcpsquared-go/internal/config"
	"mcpsquared-go/internal/index"
	"mcpsquared-go/internal/sanitize"
	"mcpsquared-go/internal/stringutil"
	"mcpsquared-go/internal/upstream/types"
)

// Hybrid scoring constants. FTS scores are clipped to [0,1] by dividing
// by 10 before mixing with the cosine score.
const (
	hybridFTSWeight    = 0.3
	hybridVectorWeight = 0.7
	hybridCandidateCap = 100
	ftsNormalizer      = 10.0
)

// Source is the slice of the cataloger the retriever needs for sync.
type Source interface {
	UpstreamKeys() []string
	ListUpstreamTools(ctx context.Context, upstreamKey string) ([]types.CatalogedTool, error)
}

// SearchOptions tunes one search call. Zero values fall back to the
// configured defaults.
type SearchOptions struct {
	Limit int
	Mode  string
}

// Lookup is the result of resolving one tool name.
type Lookup struct {
	Tool         *index.IndexedTool
	Ambiguous    bool
	Alternatives []string
}

// AmbiguousName reports a bare name that matched several upstreams.
type AmbiguousName struct {
	Name         string   `json:"name"`
	Alternatives []string `json:"alternatives"`
}

// Retriever owns one index store and borrows one catalog source.
type Retriever struct {
	store     *index.Store
	source    Source
	embedder  EmbeddingGenerator
	sanitizer *sanitize.Sanitizer
	limits    config.FindToolsConfig
	logger    *zap.Logger
}

// New wires a retriever. A nil embedder behaves like NoopEmbedder.
func New(store *index.Store, source Source, embedder EmbeddingGenerator, limits config.FindToolsConfig, logger *zap.Logger) *Retriever {
	if embedder == nil {
		embedder = NoopEmbedder{}
	}
	return &Retriever{
		store:     store,
		source:    source,
		embedder:  embedder,
		sanitizer: sanitize.New(sanitize.DefaultDescriptionLimit),
		limits:    limits,
		logger:    logger,
	}
}

// Store exposes the underlying index store for co-occurrence
// pass-throughs.
func (r *Retriever) Store() *index.Store {
	return r.store
}

// effectiveLimit clamps a caller limit to the configured window.
func (r *Retriever) effectiveLimit(requested int) int {
	limit := requested
	if limit <= 0 {
		limit = r.limits.DefaultLimit
	}
	if limit > r.limits.MaxLimit {
		limit = r.limits.MaxLimit
	}
	return limit
}

// SyncFromCataloger re-indexes every upstream the source knows about and
// returns the resulting catalog diff.
func (r *Retriever) SyncFromCataloger(ctx context.Context) (*index.ToolChanges, error) {
	before, err := r.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot catalog: %w", err)
	}

	keys := r.source.UpstreamKeys()
	known := make(map[string]bool, len(keys))
	for _, key := range keys {
		known[key] = true
		if err := r.syncUpstream(ctx, key); err != nil {
			// One failing upstream must not abort the sweep.
			r.logger.Warn("Upstream sync failed",
				zap.String("upstream", key), zap.Error(err))
		}
	}

	// Drop rows owned by upstreams that left the configuration.
	all, err := r.store.GetAllTools()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, t := range all {
		if !known[t.UpstreamKey] && !seen[t.UpstreamKey] {
			seen[t.UpstreamKey] = true
			if _, err := r.store.RemoveToolsForUpstream(t.UpstreamKey); err != nil {
				return nil, err
			}
		}
	}

	after, err := r.store.Snapshot()
	if err != nil {
		return nil, err
	}
	changes := index.DetectChanges(before, after)
	if !changes.IsEmpty() {
		r.logger.Info("Catalog changed",
			zap.Int("added", len(changes.Added)),
			zap.Int("removed", len(changes.Removed)),
			zap.Int("modified", len(changes.Modified)))
	}
	return changes, nil
}

// SyncUpstreamFromCataloger re-indexes a single upstream.
func (r *Retriever) SyncUpstreamFromCataloger(ctx context.Context, upstreamKey string) (*index.ToolChanges, error) {
	before, err := r.store.Snapshot()
	if err != nil {
		return nil, err
	}
	if err := r.syncUpstream(ctx, upstreamKey); err != nil {
		return nil, err
	}
	after, err := r.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return index.DetectChanges(before, after), nil
}

func (r *Retriever) syncUpstream(ctx context.Context, upstreamKey string) error {
	tools, err := r.source.ListUpstreamTools(ctx, upstreamKey)
	if err != nil {
		return err
	}

	batch := make([]*index.IndexedTool, 0, len(tools))
	current := make(map[string]bool, len(tools))
	for _, t := range tools {
		name := r.sanitizer.ToolName(t.ToolName)
		current[name] = true
		batch = append(batch, &index.IndexedTool{
			UpstreamKey: upstreamKey,
			ToolName:    name,
			Description: r.sanitizer.Description(t.Description),
			InputSchema: t.InputSchema,
		})
	}
	if err := r.store.IndexTools(batch); err != nil {
		return err
	}

	// Remove rows for tools the upstream no longer exposes.
	existing, err := r.store.GetToolsForUpstream(upstreamKey)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if !current[e.ToolName] {
			if err := r.store.RemoveTool(e.UpstreamKey, e.ToolName); err != nil {
				return err
			}
		}
	}

	r.refreshEmbeddings(ctx, batch)
	return nil
}

// refreshEmbeddings attaches vectors to rows that lost theirs on a schema
// change. Best effort; embedding failures never fail a sync.
func (r *Retriever) refreshEmbeddings(ctx context.Context, batch []*index.IndexedTool) {
	if !r.embedder.Ready() || len(batch) == 0 {
		return
	}

	var pending []*index.IndexedTool
	var texts []string
	for _, t := range batch {
		stored, err := r.store.GetTool(t.UpstreamKey, t.ToolName)
		if err != nil || stored == nil || len(stored.Embedding) > 0 {
			continue
		}
		pending = append(pending, t)
		texts = append(texts, t.ToolName+" "+t.Description)
	}
	if len(pending) == 0 {
		return
	}

	vectors, err := r.embedder.EmbedBatch(ctx, texts, false)
	if err != nil || len(vectors) != len(pending) {
		r.logger.Debug("Embedding batch failed", zap.Error(err))
		return
	}
	updates := make([]index.EmbeddingUpdate, 0, len(pending))
	for i, t := range pending {
		updates = append(updates, index.EmbeddingUpdate{
			UpstreamKey: t.UpstreamKey,
			ToolName:    t.ToolName,
			Vector:      vectors[i],
		})
	}
	if err := r.store.UpdateEmbeddings(updates); err != nil {
		r.logger.Debug("Embedding update failed", zap.Error(err))
	}
}

// Search runs one of the three search modes.
func (r *Retriever) Search(ctx context.Context, query string, opts SearchOptions) ([]*index.SearchResult, error) {
	limit := r.effectiveLimit(opts.Limit)

	mode := opts.Mode
	if mode == "" {
		mode = r.limits.DefaultMode
	}

	switch mode {
	case config.ModeFast:
		return r.store.Search(query, limit)
	case config.ModeSemantic:
		return r.searchSemantic(ctx, query, limit)
	case config.ModeHybrid:
		return r.searchHybrid(ctx, query, limit)
	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}
}

func (r *Retriever) searchSemantic(ctx context.Context, query string, limit int) ([]*index.SearchResult, error) {
	if !r.embedder.Ready() {
		return r.store.Search(query, limit)
	}
	queryVec, err := r.embedder.Embed(ctx, query, true)
	if err != nil || len(queryVec) == 0 {
		return r.store.Search(query, limit)
	}
	return r.store.SearchSemantic(queryVec, limit)
}

func (r *Retriever) searchHybrid(ctx context.Context, query string, limit int) ([]*index.SearchResult, error) {
	if !r.embedder.Ready() {
		return r.store.Search(query, limit)
	}

	candidateLimit := limit * 3
	if candidateLimit > hybridCandidateCap {
		candidateLimit = hybridCandidateCap
	}
	candidates, err := r.store.Search(query, candidateLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return candidates, nil
	}

	queryVec, err := r.embedder.Embed(ctx, query, true)
	if err != nil || len(queryVec) == 0 {
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}
		return candidates, nil
	}

	type scored struct {
		result *index.SearchResult
		score  float64
		fts    float64
	}
	rescored := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		normalized := c.Score / ftsNormalizer
		if normalized > 1 {
			normalized = 1
		}
		if normalized < 0 {
			normalized = 0
		}
		cosine := index.CosineSimilarity(queryVec, c.Tool.Embedding)
		rescored = append(rescored, scored{
			result: c,
			score:  hybridFTSWeight*normalized + hybridVectorWeight*cosine,
			fts:    c.Score,
		})
	}

	sort.SliceStable(rescored, func(i, j int) bool {
		if rescored[i].score != rescored[j].score {
			return rescored[i].score > rescored[j].score
		}
		if rescored[i].fts != rescored[j].fts {
			return rescored[i].fts > rescored[j].fts
		}
		return rescored[i].result.Tool.UpstreamKey < rescored[j].result.Tool.UpstreamKey
	})

	results := make([]*index.SearchResult, 0, limit)
	for _, s := range rescored {
		if len(results) == limit {
			break
		}
		results = append(results, &index.SearchResult{Tool: s.result.Tool, Score: s.score})
	}
	return results, nil
}

// GetTool resolves a bare or qualified name. A qualified name looks up
// directly; a bare name matching several upstreams comes back ambiguous
// with the qualified alternatives.
func (r *Retriever) GetTool(name string, upstreamKey string) (*Lookup, error) {
	if stringutil.IsQualified(name) {
		prefix, bare := stringutil.SplitQualified(name)
		tool, err := r.store.GetTool(prefix, bare)
		if err != nil {
			return nil, err
		}
		return &Lookup{Tool: tool}, nil
	}
	if upstreamKey != "" {
		tool, err := r.store.GetTool(upstreamKey, name)
		if err != nil {
			return nil, err
		}
		return &Lookup{Tool: tool}, nil
	}

	all, err := r.store.GetAllTools()
	if err != nil {
		return nil, err
	}
	var matches []*index.IndexedTool
	for _, t := range all {
		if t.ToolName == name {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return &Lookup{}, nil
	case 1:
		return &Lookup{Tool: matches[0]}, nil
	default:
		alternatives := make([]string, 0, len(matches))
		for _, m := range matches {
			alternatives = append(alternatives, m.QualifiedName())
		}
		sort.Strings(alternatives)
		return &Lookup{Ambiguous: true, Alternatives: alternatives}, nil
	}
}

// GetTools resolves many names, partitioning the results into resolved
// tools and ambiguous entries. Misses are dropped.
func (r *Retriever) GetTools(names []string) ([]*index.IndexedTool, []AmbiguousName, error) {
	var tools []*index.IndexedTool
	var ambiguous []AmbiguousName
	for _, name := range names {
		lookup, err := r.GetTool(name, "")
		if err != nil {
			return nil, nil, err
		}
		switch {
		case lookup.Ambiguous:
			ambiguous = append(ambiguous, AmbiguousName{Name: name, Alternatives: lookup.Alternatives})
		case lookup.Tool != nil:
			tools = append(tools, lookup.Tool)
		}
	}
	return tools, ambiguous, nil
}

// Co-occurrence pass-throughs.

func (r *Retriever) RecordCooccurrences(names []string) error {
	return r.store.RecordCooccurrences(names)
}

func (r *Retriever) GetRelatedTools(key string, minCount, limit int) ([]index.RelatedTool, error) {
	return r.store.GetRelatedTools(key, minCount, limit)
}

func (r *Retriever) GetSuggestedBundles(keys []string, minCount, limit int) ([]index.RelatedTool, error) {
	return r.store.GetSuggestedBundles(keys, minCount, limit)
}

func (r *Retriever) ClearCooccurrences() (int, error) {
	return r.store.ClearCooccurrences()
}
