package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"stepdocs/api/internal/logger"
)

const idxCurrentDocuments = "stepdocs_current_documents"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *logger.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client, configures the index and starts a
// health monitor. An unreachable server leaves it unhealthy, not failed.
func NewMeili(url, apiKey string, log *logger.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    log.With("component", "meilisearch"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxCurrentDocuments,
		PrimaryKey: "key",
	}); err != nil {
		m.log.Debug("create index (may already exist)", "index", idxCurrentDocuments, "error", err)
	}

	index := m.client.Index(idxCurrentDocuments)
	filterable := []interface{}{"stepId", "documentType"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", "index", idxCurrentDocuments, "error", err)
	}
	searchable := []string{"originalName", "documentType", "uploadedBy"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", "index", idxCurrentDocuments, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	req := &meili.SearchRequest{
		Limit:                 int64(q.limit()),
		Offset:                int64(q.offset()),
		AttributesToHighlight: []string{"originalName"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := meiliFilters(q); len(filters) > 0 {
		req.Filter = filters
	}

	resp, err := m.client.Index(idxCurrentDocuments).Search(q.Text, req)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func meiliFilters(q Query) []string {
	var filters []string
	if q.StepID != "" {
		filters = append(filters, fmt.Sprintf("stepId = %q", q.StepID))
	}
	if docType := normalizeType(q.DocumentType); docType != "" {
		filters = append(filters, fmt.Sprintf("documentType = %q", docType))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		DocumentID:   decodeString(hit, "documentId"),
		StepID:       decodeString(hit, "stepId"),
		DocumentType: decodeString(hit, "documentType"),
		OriginalName: decodeString(hit, "originalName"),
		UploadedBy:   decodeString(hit, "uploadedBy"),
	}
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "originalName"), r.OriginalName)
	if raw, ok := hit["version"]; ok {
		_ = json.Unmarshal(raw, &r.Version)
	}
	if raw, ok := hit["createdAt"]; ok {
		var unix int64
		if err := json.Unmarshal(raw, &unix); err == nil && unix > 0 {
			r.CreatedAt = time.Unix(unix, 0).UTC()
		}
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexRecords upserts records keyed by step and type.
func (m *Meili) IndexRecords(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCurrentDocuments).AddDocuments(records, nil)
	return err
}

// DeleteRecord removes the entry for one step and type.
func (m *Meili) DeleteRecord(key string) error {
	_, err := m.client.Index(idxCurrentDocuments).DeleteDocument(key, nil)
	return err
}
