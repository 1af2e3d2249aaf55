package index

import (
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"go.uber.org/zap"
)

// maxUpstreamDocs bounds the per-upstream delete scan.
const maxUpstreamDocs = 10000

// toolDocument is the bleve-side projection of an IndexedTool.
type toolDocument struct {
	ToolName    string `json:"tool_name"`
	UpstreamKey string `json:"upstream_key"`
	Description string `json:"description"`
	SchemaJSON  string `json:"schema_json"`
}

// ftsIndex wraps the bleve index. Document IDs are qualified tool names.
type ftsIndex struct {
	index  bleve.Index
	logger *zap.Logger
}

func openFTS(indexPath string, logger *zap.Logger) (*ftsIndex, error) {
	index, err := bleve.Open(indexPath)
	if err != nil {
		logger.Info("Creating new full-text index", zap.String("path", indexPath))
		index, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create full-text index: %w", err)
		}
	}
	return &ftsIndex{index: index, logger: logger}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	toolMapping := bleve.NewDocumentMapping()

	// Exact-match fields use the keyword analyzer.
	toolNameField := bleve.NewTextFieldMapping()
	toolNameField.Analyzer = keyword.Name
	toolNameField.Store = true
	toolMapping.AddFieldMappingsAt("tool_name", toolNameField)

	upstreamField := bleve.NewTextFieldMapping()
	upstreamField.Analyzer = keyword.Name
	upstreamField.Store = true
	toolMapping.AddFieldMappingsAt("upstream_key", upstreamField)

	descriptionField := bleve.NewTextFieldMapping()
	descriptionField.Analyzer = standard.Name
	descriptionField.Store = true
	toolMapping.AddFieldMappingsAt("description", descriptionField)

	schemaField := bleve.NewTextFieldMapping()
	schemaField.Analyzer = standard.Name
	schemaField.Store = false
	toolMapping.AddFieldMappingsAt("schema_json", schemaField)

	indexMapping.AddDocumentMapping("tool", toolMapping)
	indexMapping.DefaultMapping = toolMapping
	return indexMapping
}

func (f *ftsIndex) indexTool(docID string, t *IndexedTool) error {
	return f.index.Index(docID, toDocument(t))
}

func (f *ftsIndex) indexBatch(tools []*IndexedTool) error {
	batch := f.index.NewBatch()
	for _, t := range tools {
		if err := batch.Index(t.QualifiedName(), toDocument(t)); err != nil {
			return fmt.Errorf("failed to stage %s: %w", t.QualifiedName(), err)
		}
	}
	return f.index.Batch(batch)
}

func (f *ftsIndex) deleteTool(docID string) error {
	return f.index.Delete(docID)
}

func (f *ftsIndex) deleteUpstream(upstreamKey string) error {
	query := bleve.NewTermQuery(upstreamKey)
	query.SetField("upstream_key")

	searchReq := bleve.NewSearchRequest(query)
	searchReq.Size = maxUpstreamDocs

	searchResult, err := f.index.Search(searchReq)
	if err != nil {
		return fmt.Errorf("failed to find documents for upstream %s: %w", upstreamKey, err)
	}

	batch := f.index.NewBatch()
	for _, hit := range searchResult.Hits {
		batch.Delete(hit.ID)
	}
	return f.index.Batch(batch)
}

// ftsHit is one scored match; the caller resolves the ID to a full row.
type ftsHit struct {
	ID    string
	Score float64
}

func (f *ftsIndex) search(queryText string, limit int) ([]ftsHit, uint64, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, 0, nil
	}

	matchQuery := bleve.NewMatchQuery(queryText)
	searchReq := bleve.NewSearchRequest(matchQuery)
	searchReq.Size = limit

	searchResult, err := f.index.Search(searchReq)
	if err != nil {
		return nil, 0, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]ftsHit, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		hits = append(hits, ftsHit{ID: hit.ID, Score: hit.Score})
	}
	return hits, searchResult.Total, nil
}

func (f *ftsIndex) deleteAll() error {
	searchReq := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	searchReq.Size = maxUpstreamDocs

	for {
		searchResult, err := f.index.Search(searchReq)
		if err != nil {
			return fmt.Errorf("failed to enumerate documents: %w", err)
		}
		if len(searchResult.Hits) == 0 {
			return nil
		}
		batch := f.index.NewBatch()
		for _, hit := range searchResult.Hits {
			batch.Delete(hit.ID)
		}
		if err := f.index.Batch(batch); err != nil {
			return err
		}
	}
}

func (f *ftsIndex) docCount() (uint64, error) {
	return f.index.DocCount()
}

func (f *ftsIndex) close() error {
	return f.index.Close()
}

func toDocument(t *IndexedTool) *toolDocument {
	return &toolDocument{
		ToolName:    t.ToolName,
		UpstreamKey: t.UpstreamKey,
		Description: t.Description,
		SchemaJSON:  string(t.InputSchema),
	}
}
