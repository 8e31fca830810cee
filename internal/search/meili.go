package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxItems = "cataloger_items"

// Meili implements keyword search and indexing via Meilisearch. It is the
// fallback path when the embedding provider cannot rank semantically.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the items index.
// An unreachable server is tolerated; the health loop retries.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
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
		Uid:        idxItems,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxItems, err)
	}

	index := m.client.Index(idxItems)
	filterable := []interface{}{"orgId", "status", "category"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxItems, err)
	}
	searchable := []string{"name", "description", "category", "vendor"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxItems, err)
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
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs a keyword query over active items in the caller's organization.
func (m *Meili) Search(q Query) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 10
	}

	resp, err := m.client.Index(idxItems).Search(q.Text, &meili.SearchRequest{
		Limit:  limit,
		Filter: fmt.Sprintf("orgId = %q AND status = %q", q.OrgID, "active"),
	})
	if err != nil {
		return nil, fmt.Errorf("meilisearch query: %w", err)
	}

	items := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		raw, err := json.Marshal(hit)
		if err != nil {
			continue
		}
		var record ItemRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		items = append(items, Result{
			ID:          record.ID,
			Name:        record.Name,
			Description: record.Description,
			Category:    record.Category,
			Vendor:      record.Vendor,
			Status:      record.Status,
		})
	}
	return items, nil
}

// IndexItem upserts one catalog item document.
func (m *Meili) IndexItem(item ItemRecord) error {
	if _, err := m.client.Index(idxItems).AddDocuments([]ItemRecord{item}, nil); err != nil {
		return fmt.Errorf("index item %s: %w", item.ID, err)
	}
	return nil
}

// DeleteItem removes one catalog item document.
func (m *Meili) DeleteItem(id string) error {
	if _, err := m.client.Index(idxItems).DeleteDocument(id, nil); err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	return nil
}
