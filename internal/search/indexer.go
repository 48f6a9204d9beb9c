/*
Package search keeps an in-memory full-text index of remembered entities and
registered tools.

Entity documents let follow-up questions such as "the Acme renewal" resolve
to a record the gateway has already seen. Tool documents back tool discovery
for MCP clients.
*/
package search

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

const (
	kindEntity = "entity"
	kindTool   = "tool"
)

// EntityDoc is the indexed form of a remembered entity.
type EntityDoc struct {
	Type string
	ID   string
	Name string
	// Text holds the remaining attribute values, space separated.
	Text string
}

// ToolDoc is the indexed form of a registered tool.
type ToolDoc struct {
	Service     string
	Name        string
	Description string
}

// EntityHit is one entity search result.
type EntityHit struct {
	Type  string  `json:"type"`
	ID    string  `json:"id"`
	Name  string  `json:"name,omitempty"`
	Score float64 `json:"score"`
}

// ToolHit is one tool search result.
type ToolHit struct {
	Service     string  `json:"service"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// Indexer wraps a memory-only bleve index.
type Indexer struct {
	bleveIndex bleve.Index
	mu         sync.RWMutex
}

// NewIndexer creates an empty in-memory index.
func NewIndexer() (*Indexer, error) {
	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create bleve index: %w", err)
	}
	return &Indexer{bleveIndex: index}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	// kind and type are exact-match filters.
	kind := bleve.NewKeywordFieldMapping()
	kind.IncludeInAll = false
	docMapping.AddFieldMappingsAt("kind", kind)
	docMapping.AddFieldMappingsAt("type", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("service", bleve.NewKeywordFieldMapping())

	docMapping.AddFieldMappingsAt("id", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("name", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("text", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("description", bleve.NewTextFieldMapping())

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("_default", docMapping)
	return indexMapping
}

func entityDocID(typ, id string) string {
	return kindEntity + "/" + typ + "/" + id
}

// IndexEntity adds or replaces an entity document.
func (i *Indexer) IndexEntity(doc EntityDoc) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.bleveIndex.Index(entityDocID(doc.Type, doc.ID), map[string]interface{}{
		"kind": kindEntity,
		"type": doc.Type,
		"id":   doc.ID,
		"name": doc.Name,
		// The lowercased type makes "opportunity acme" match.
		"text": strings.ToLower(doc.Type) + " " + doc.Text,
	})
}

// RemoveEntity deletes an entity document. Unknown ids are ignored.
func (i *Indexer) RemoveEntity(typ, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bleveIndex.Delete(entityDocID(typ, id))
}

// ClearEntities deletes every entity document.
func (i *Indexer) ClearEntities() error {
	return i.clearKind(kindEntity)
}

// IndexTools replaces the tool documents with tools.
func (i *Indexer) IndexTools(tools []ToolDoc) error {
	if err := i.clearKind(kindTool); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	batch := i.bleveIndex.NewBatch()
	for _, t := range tools {
		docID := fmt.Sprintf("%s/%s/%s", kindTool, t.Service, t.Name)
		if err := batch.Index(docID, map[string]interface{}{
			"kind":    kindTool,
			"service": t.Service,
			"name":    t.Name,
			// Underscores split into words so "query accounts" finds
			// salesforce_query_accounts.
			"text":        strings.ReplaceAll(t.Name, "_", " "),
			"description": t.Description,
		}); err != nil {
			return fmt.Errorf("failed to index tool %s: %w", docID, err)
		}
	}

	if err := i.bleveIndex.Batch(batch); err != nil {
		return fmt.Errorf("failed to batch index tools: %w", err)
	}
	return nil
}

// SearchEntities finds entities matching text. typ, when set, restricts
// results to one entity type.
func (i *Indexer) SearchEntities(text, typ string, limit int) ([]EntityHit, error) {
	filters := []query.Query{termQuery("kind", kindEntity)}
	if typ != "" {
		filters = append(filters, termQuery("type", typ))
	}

	res, err := i.search(text, filters, []string{"type", "id", "name"}, limit)
	if err != nil {
		return nil, err
	}

	hits := make([]EntityHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		t, _ := h.Fields["type"].(string)
		id, _ := h.Fields["id"].(string)
		name, _ := h.Fields["name"].(string)
		hits = append(hits, EntityHit{Type: t, ID: id, Name: name, Score: h.Score})
	}
	return hits, nil
}

// SearchTools finds tools matching text, optionally within one service.
func (i *Indexer) SearchTools(text, service string, limit int) ([]ToolHit, error) {
	filters := []query.Query{termQuery("kind", kindTool)}
	if service != "" {
		filters = append(filters, termQuery("service", service))
	}

	res, err := i.search(text, filters, []string{"service", "name", "description"}, limit)
	if err != nil {
		return nil, err
	}

	hits := make([]ToolHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		svc, _ := h.Fields["service"].(string)
		name, _ := h.Fields["name"].(string)
		desc, _ := h.Fields["description"].(string)
		hits = append(hits, ToolHit{Service: svc, Name: name, Description: desc, Score: h.Score})
	}
	return hits, nil
}

func (i *Indexer) search(text string, filters []query.Query, fields []string, limit int) (*bleve.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	queries := append([]query.Query{bleve.NewMatchQuery(text)}, filters...)
	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(queries...), limit, 0, false)
	req.Fields = fields

	res, err := i.bleveIndex.Search(req)
	if err != nil {
		return nil, fmt.Errorf("bleve search failed: %w", err)
	}
	return res, nil
}

func (i *Indexer) clearKind(kind string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for {
		req := bleve.NewSearchRequestOptions(termQuery("kind", kind), 1000, 0, false)
		res, err := i.bleveIndex.Search(req)
		if err != nil {
			return fmt.Errorf("failed to find %s docs: %w", kind, err)
		}
		if len(res.Hits) == 0 {
			return nil
		}

		batch := i.bleveIndex.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := i.bleveIndex.Batch(batch); err != nil {
			return fmt.Errorf("failed to batch delete: %w", err)
		}
	}
}

// Count returns the total number of indexed documents.
func (i *Indexer) Count() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	docCount, err := i.bleveIndex.DocCount()
	if err != nil {
		return 0, fmt.Errorf("failed to get doc count: %w", err)
	}
	return docCount, nil
}

// Close closes the index and releases resources.
func (i *Indexer) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.bleveIndex != nil {
		return i.bleveIndex.Close()
	}
	return nil
}

func termQuery(field, term string) query.Query {
	q := bleve.NewTermQuery(term)
	q.SetField(field)
	return q
}

// FlattenAttributes renders attribute values as searchable text, with
// keys in sorted order.
func FlattenAttributes(attrs map[string]interface{}) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		switch v := attrs[k].(type) {
		case string:
			b.WriteString(v)
			b.WriteByte(' ')
		case float64, int, int64, bool:
			fmt.Fprintf(&b, "%v ", v)
		case map[string]interface{}:
			if nested := FlattenAttributes(v); nested != "" {
				b.WriteString(nested)
				b.WriteByte(' ')
			}
		}
	}
	return strings.TrimSpace(b.String())
}
