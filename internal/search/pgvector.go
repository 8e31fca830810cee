package search

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// PgVector ranks catalog items by cosine similarity against the pgvector
// column the merge step populates.
type PgVector struct {
	db *sql.DB
}

func NewPgVector(db *sql.DB) *PgVector {
	return &PgVector{db: db}
}

// SearchByVector returns active items whose embedding clears the similarity
// threshold, best match first. Items merged without an embedding do not
// appear here; keyword search still finds them.
func (p *PgVector) SearchByVector(ctx context.Context, orgID string, vector pgvector.Vector, threshold float64, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT ci.id, ci.name, COALESCE(ci.description, ''), COALESCE(ci.category, ''), COALESCE(ci.vendor, ''), ci.status,
			1 - (e.embedding <=> $2) AS similarity
		FROM catalog_items ci
		JOIN catalog_item_embeddings e ON e.catalog_item_id = ci.id
		WHERE ci.org_id = $1
		  AND ci.status = 'active'
		  AND 1 - (e.embedding <=> $2) >= $3
		ORDER BY e.embedding <=> $2 ASC
		LIMIT $4
	`, orgID, vector, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	items := make([]Result, 0)
	for rows.Next() {
		var item Result
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.Category, &item.Vendor, &item.Status, &item.Similarity); err != nil {
			return nil, fmt.Errorf("scan vector search result: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector search results: %w", err)
	}
	return items, nil
}
