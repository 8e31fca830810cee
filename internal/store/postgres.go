package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// ErrNotPending is returned by the single-transition operations when the
// locked row is no longer pending. This is the concurrency-safety signal:
// of two racing reviewers, the loser observes it instead of overwriting.
var ErrNotPending = errors.New("not pending")

// ErrTargetNotActive is returned inside a merge when the target item was
// deprecated by an earlier merge after this proposal was created.
var ErrTargetNotActive = errors.New("target item not active")

// ErrTargetMissing is returned when a REPLACE_ITEM or DEPRECATE_ITEM
// proposal carries no target item id. The schema forbids such rows, so
// seeing this means the data is corrupt rather than merely stale.
var ErrTargetMissing = errors.New("proposal has no target item")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetMembershipByUser returns the caller's first membership. Per-request
// organization override is not supported; a user acting in several
// organizations authenticates per organization.
func (s *PostgresStore) GetMembershipByUser(ctx context.Context, userID string) (Membership, error) {
	var m Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT org_id, user_id, role, created_at
		FROM org_memberships
		WHERE user_id=$1
		ORDER BY created_at ASC
		LIMIT 1
	`, userID).Scan(&m.OrgID, &m.UserID, &m.Role, &m.CreatedAt)
	if err != nil {
		return Membership{}, err
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Requests

func (s *PostgresStore) CreateRequest(ctx context.Context, req Request) (Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = StatusPending
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO requests (id, org_id, created_by, search_query, search_results, justification, status)
		VALUES ($1, $2, $3, $4, $5::jsonb, NULLIF($6, ''), $7)
		RETURNING created_at
	`, req.ID, req.OrgID, req.CreatedBy, req.SearchQuery, orJSONArray(req.SearchResults), req.Justification, req.Status).Scan(&req.CreatedAt)
	if err != nil {
		return Request{}, fmt.Errorf("insert request: %w", err)
	}
	return req, nil
}

const requestColumns = `
	id, org_id, created_by, search_query, search_results::text,
	COALESCE(justification, ''), status,
	COALESCE(reviewed_by, ''), COALESCE(review_notes, ''), reviewed_at, created_at`

func scanRequest(row interface{ Scan(...any) error }) (Request, error) {
	var req Request
	err := row.Scan(
		&req.ID,
		&req.OrgID,
		&req.CreatedBy,
		&req.SearchQuery,
		&req.SearchResults,
		&req.Justification,
		&req.Status,
		&req.ReviewedBy,
		&req.ReviewNotes,
		&req.ReviewedAt,
		&req.CreatedAt,
	)
	return req, err
}

func (s *PostgresStore) GetRequest(ctx context.Context, orgID, requestID string) (Request, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE id=$1 AND org_id=$2
	`, requestID, orgID))
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, orgID, status, createdBy string, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE org_id=$1
		  AND ($2='' OR status=$2)
		  AND ($3='' OR created_by=$3)
		ORDER BY created_at DESC
		LIMIT $4
	`, orgID, status, createdBy, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	items := make([]Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		items = append(items, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return items, nil
}

// ReviewRequest applies the single pending → approved|rejected transition.
// The row lock serializes racing reviewers; the loser gets ErrNotPending.
func (s *PostgresStore) ReviewRequest(ctx context.Context, requestID, orgID, reviewerID, status, notes string) (Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Request{}, fmt.Errorf("begin review tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM requests
		WHERE id=$1 AND org_id=$2
		FOR UPDATE
	`, requestID, orgID).Scan(&current)
	if err != nil {
		return Request{}, err
	}
	if current != StatusPending {
		return Request{}, ErrNotPending
	}

	req, err := scanRequest(tx.QueryRowContext(ctx, `
		UPDATE requests
		SET status=$3, reviewed_by=$4, review_notes=NULLIF($5, ''), reviewed_at=NOW()
		WHERE id=$1 AND org_id=$2
		RETURNING `+requestColumns+`
	`, requestID, orgID, status, reviewerID, notes))
	if err != nil {
		return Request{}, fmt.Errorf("review request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Request{}, fmt.Errorf("commit review: %w", err)
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// Proposals

func (s *PostgresStore) CreateProposal(ctx context.Context, p Proposal) (Proposal, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = StatusPending
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO proposals (
			id, org_id, proposed_by, request_id, proposal_type,
			item_name, item_description, item_category, item_metadata,
			item_vendor, item_price, item_pricing_type, item_product_url, item_sku,
			target_item_id, status
		)
		VALUES (
			$1, $2, $3, $4, $5,
			NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9::jsonb,
			NULLIF($10, ''), $11, NULLIF($12, ''), NULLIF($13, ''), NULLIF($14, ''),
			$15, $16
		)
		RETURNING created_at
	`, p.ID, p.OrgID, p.ProposedBy, p.RequestID, p.Type,
		p.ItemName, p.ItemDescription, p.ItemCategory, orJSONObject(p.ItemMetadata),
		p.ItemVendor, p.ItemPrice, p.ItemPricingType, p.ItemProductURL, p.ItemSKU,
		p.TargetItemID, p.Status).Scan(&p.CreatedAt)
	if err != nil {
		return Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	return p, nil
}

const proposalColumns = `
	id, org_id, proposed_by, request_id, proposal_type,
	COALESCE(item_name, ''), COALESCE(item_description, ''), COALESCE(item_category, ''),
	COALESCE(item_metadata::text, '{}'),
	COALESCE(item_vendor, ''), item_price, COALESCE(item_pricing_type, ''),
	COALESCE(item_product_url, ''), COALESCE(item_sku, ''),
	target_item_id, status,
	COALESCE(reviewed_by, ''), COALESCE(review_notes, ''), reviewed_at, merged_at, created_at`

func scanProposal(row interface{ Scan(...any) error }) (Proposal, error) {
	var p Proposal
	err := row.Scan(
		&p.ID,
		&p.OrgID,
		&p.ProposedBy,
		&p.RequestID,
		&p.Type,
		&p.ItemName,
		&p.ItemDescription,
		&p.ItemCategory,
		&p.ItemMetadata,
		&p.ItemVendor,
		&p.ItemPrice,
		&p.ItemPricingType,
		&p.ItemProductURL,
		&p.ItemSKU,
		&p.TargetItemID,
		&p.Status,
		&p.ReviewedBy,
		&p.ReviewNotes,
		&p.ReviewedAt,
		&p.MergedAt,
		&p.CreatedAt,
	)
	return p, err
}

func (s *PostgresStore) GetProposal(ctx context.Context, orgID, proposalID string) (Proposal, error) {
	p, err := scanProposal(s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE id=$1 AND org_id=$2
	`, proposalID, orgID))
	if err != nil {
		return Proposal{}, err
	}
	return p, nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, orgID, status, proposalType string, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE org_id=$1
		  AND ($2='' OR status=$2)
		  AND ($3='' OR proposal_type=$3)
		ORDER BY created_at DESC
		LIMIT $4
	`, orgID, status, proposalType, limit)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RejectProposal(ctx context.Context, proposalID, orgID, reviewerID, notes string) (Proposal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Proposal{}, fmt.Errorf("begin reject tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM proposals
		WHERE id=$1 AND org_id=$2
		FOR UPDATE
	`, proposalID, orgID).Scan(&current)
	if err != nil {
		return Proposal{}, err
	}
	if current != StatusPending {
		return Proposal{}, ErrNotPending
	}

	p, err := scanProposal(tx.QueryRowContext(ctx, `
		UPDATE proposals
		SET status=$3, reviewed_by=$4, review_notes=NULLIF($5, ''), reviewed_at=NOW()
		WHERE id=$1 AND org_id=$2
		RETURNING `+proposalColumns+`
	`, proposalID, orgID, StatusRejected, reviewerID, notes))
	if err != nil {
		return Proposal{}, fmt.Errorf("reject proposal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Proposal{}, fmt.Errorf("commit rejection: %w", err)
	}
	return p, nil
}

// ApproveProposal runs the merge as one transaction: lock the proposal row,
// check it is still pending, apply the branch for its type, mark it merged,
// commit. Any failure rolls the whole unit back. The embedding vector is an
// optional input produced before the transaction; it is never fetched here.
func (s *PostgresStore) ApproveProposal(ctx context.Context, proposalID, orgID, reviewerID, notes string, embedding *pgvector.Vector, embeddingModel string) (MergeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MergeResult{}, fmt.Errorf("begin merge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanProposal(tx.QueryRowContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE id=$1 AND org_id=$2
		FOR UPDATE
	`, proposalID, orgID))
	if err != nil {
		return MergeResult{}, err
	}
	if p.Status != StatusPending {
		return MergeResult{}, ErrNotPending
	}

	result := MergeResult{}
	switch p.Type {
	case ProposalAddItem:
		result.NewItemID, err = insertItemFromProposal(ctx, tx, p, reviewerID, embedding, embeddingModel)
		if err != nil {
			return MergeResult{}, err
		}
	case ProposalReplaceItem:
		if p.TargetItemID == nil {
			return MergeResult{}, ErrTargetMissing
		}
		if err := lockActiveItem(ctx, tx, *p.TargetItemID, orgID); err != nil {
			return MergeResult{}, err
		}
		result.NewItemID, err = insertItemFromProposal(ctx, tx, p, reviewerID, embedding, embeddingModel)
		if err != nil {
			return MergeResult{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE catalog_items
			SET status=$3, replacement_item_id=$4, updated_at=NOW()
			WHERE id=$1 AND org_id=$2
		`, *p.TargetItemID, orgID, ItemDeprecated, result.NewItemID); err != nil {
			return MergeResult{}, fmt.Errorf("deprecate replaced item: %w", err)
		}
		result.DeprecatedItemID = *p.TargetItemID
	case ProposalDeprecateItem:
		if p.TargetItemID == nil {
			return MergeResult{}, ErrTargetMissing
		}
		if err := lockActiveItem(ctx, tx, *p.TargetItemID, orgID); err != nil {
			return MergeResult{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE catalog_items
			SET status=$3, updated_at=NOW()
			WHERE id=$1 AND org_id=$2
		`, *p.TargetItemID, orgID, ItemDeprecated); err != nil {
			return MergeResult{}, fmt.Errorf("deprecate item: %w", err)
		}
		result.DeprecatedItemID = *p.TargetItemID
	default:
		return MergeResult{}, fmt.Errorf("unknown proposal type %q", p.Type)
	}

	merged, err := scanProposal(tx.QueryRowContext(ctx, `
		UPDATE proposals
		SET status=$3, reviewed_by=$4, review_notes=NULLIF($5, ''), reviewed_at=NOW(), merged_at=NOW()
		WHERE id=$1 AND org_id=$2
		RETURNING `+proposalColumns+`
	`, proposalID, orgID, StatusMerged, reviewerID, notes))
	if err != nil {
		return MergeResult{}, fmt.Errorf("mark proposal merged: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return MergeResult{}, fmt.Errorf("commit merge: %w", err)
	}
	result.Proposal = merged
	return result, nil
}

// lockActiveItem takes the row lock on a merge target and verifies it is
// still active. Target rows are always locked after the proposal row, so two
// merges touching the same target cannot deadlock against each other.
func lockActiveItem(ctx context.Context, tx *sql.Tx, itemID, orgID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `
		SELECT status FROM catalog_items
		WHERE id=$1 AND org_id=$2
		FOR UPDATE
	`, itemID, orgID).Scan(&status)
	if err != nil {
		return err
	}
	if status != ItemActive {
		return ErrTargetNotActive
	}
	return nil
}

func insertItemFromProposal(ctx context.Context, tx *sql.Tx, p Proposal, createdBy string, embedding *pgvector.Vector, embeddingModel string) (string, error) {
	itemID := uuid.NewString()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO catalog_items (
			id, org_id, name, description, category, metadata,
			vendor, price, pricing_type, product_url, sku,
			status, created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, NULLIF($7, ''), $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12, $13)
	`, itemID, p.OrgID, p.ItemName, p.ItemDescription, p.ItemCategory, orJSONObject(p.ItemMetadata),
		p.ItemVendor, p.ItemPrice, p.ItemPricingType, p.ItemProductURL, p.ItemSKU,
		ItemActive, createdBy)
	if err != nil {
		return "", fmt.Errorf("insert catalog item: %w", err)
	}
	if embedding != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO catalog_item_embeddings (catalog_item_id, embedding, model)
			VALUES ($1, $2, $3)
		`, itemID, *embedding, embeddingModel); err != nil {
			return "", fmt.Errorf("insert item embedding: %w", err)
		}
	}
	return itemID, nil
}

// ---------------------------------------------------------------------------
// Catalog reads

const itemColumns = `
	id, org_id, name, COALESCE(description, ''), COALESCE(category, ''),
	COALESCE(metadata::text, '{}'),
	COALESCE(vendor, ''), price, COALESCE(pricing_type, ''),
	COALESCE(product_url, ''), COALESCE(sku, ''),
	status, replacement_item_id, created_by, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (CatalogItem, error) {
	var item CatalogItem
	err := row.Scan(
		&item.ID,
		&item.OrgID,
		&item.Name,
		&item.Description,
		&item.Category,
		&item.Metadata,
		&item.Vendor,
		&item.Price,
		&item.PricingType,
		&item.ProductURL,
		&item.SKU,
		&item.Status,
		&item.ReplacementItemID,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) GetItem(ctx context.Context, orgID, itemID string) (CatalogItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM catalog_items
		WHERE id=$1 AND org_id=$2
	`, itemID, orgID))
	if err != nil {
		return CatalogItem{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListItems(ctx context.Context, orgID, status string, limit int) ([]CatalogItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM catalog_items
		WHERE org_id=$1
		  AND ($2='' OR status=$2)
		ORDER BY created_at DESC
		LIMIT $3
	`, orgID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list catalog items: %w", err)
	}
	defer rows.Close()

	items := make([]CatalogItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan catalog item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog items: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Audit

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, org_id, event_type, actor_id, resource_type, resource_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, event.ID, event.OrgID, event.EventType, event.ActorID, event.ResourceType, event.ResourceID, orJSONObject(event.Metadata))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, orgID string, filter AuditFilter) ([]AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, event_type, actor_id, resource_type, resource_id, COALESCE(metadata::text, '{}'), created_at
		FROM audit_events
		WHERE org_id=$1
		  AND ($2='' OR event_type=$2)
		  AND ($3='' OR resource_type=$3)
		  AND ($4='' OR resource_id=$4)
		ORDER BY created_at DESC
		LIMIT $5
	`, orgID, filter.EventType, filter.ResourceType, filter.ResourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var event AuditEvent
		if err := rows.Scan(
			&event.ID,
			&event.OrgID,
			&event.EventType,
			&event.ActorID,
			&event.ResourceType,
			&event.ResourceID,
			&event.Metadata,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

func orJSONObject(value string) string {
	if value == "" {
		return "{}"
	}
	return value
}

func orJSONArray(value string) string {
	if value == "" {
		return "[]"
	}
	return value
}
