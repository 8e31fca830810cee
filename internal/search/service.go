package search

import (
	"context"
	"log"

	"github.com/pgvector/pgvector-go"

	"github.com/349lolol/Cataloger/internal/embedding"
)

// Service is the facade that ranks semantically via pgvector and falls back
// to Meilisearch keyword search when the embedding path is unavailable.
type Service struct {
	provider embedding.Provider
	pg       *PgVector
	meili    *Meili
}

// NewService creates a search service. provider and meili may be nil when the
// corresponding backend is not configured.
func NewService(provider embedding.Provider, pg *PgVector, meili *Meili) *Service {
	return &Service{provider: provider, pg: pg, meili: meili}
}

// Search embeds the query text and ranks by cosine similarity. If the
// embedding provider or the vector query fails, it falls back to keyword
// search so the endpoint degrades instead of erroring.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.provider != nil {
		vec, err := s.provider.Embed(ctx, q.Text)
		if err == nil {
			results, err := s.pg.SearchByVector(ctx, q.OrgID, pgvector.NewVector(vec), q.Threshold, q.Limit)
			if err == nil {
				return Response{Results: nonNil(results), Query: q.Text, Mode: "semantic"}
			}
			log.Printf("search: vector query error, falling back to keyword: %v", err)
		} else {
			log.Printf("search: embed query error, falling back to keyword: %v", err)
		}
	}

	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Query: q.Text, Mode: "keyword"}
		}
		log.Printf("search: meilisearch error: %v", err)
	}

	return Response{Results: []Result{}, Query: q.Text, Mode: "unavailable"}
}

// IndexItem pushes a catalog item into the keyword index (fire-and-forget).
func (s *Service) IndexItem(item ItemRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexItem(item); err != nil {
			log.Printf("search: index item %s: %v", item.ID, err)
		}
	}()
}

// DeleteItem removes a catalog item from the keyword index (fire-and-forget).
func (s *Service) DeleteItem(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteItem(id); err != nil {
			log.Printf("search: delete item %s: %v", id, err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
