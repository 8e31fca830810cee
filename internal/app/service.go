package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/349lolol/Cataloger/internal/config"
	"github.com/349lolol/Cataloger/internal/embedding"
	"github.com/349lolol/Cataloger/internal/enrich"
	"github.com/349lolol/Cataloger/internal/rbac"
	"github.com/349lolol/Cataloger/internal/search"
	"github.com/349lolol/Cataloger/internal/store"
)

// Actor is the resolved identity behind a request: the caller's user ID plus
// the organization and role from their first membership.
type Actor struct {
	UserID string
	OrgID  string
	Role   rbac.Role
}

type CreateRequestInput struct {
	SearchQuery   string          `json:"search_query"`
	SearchResults json.RawMessage `json:"search_results"`
	Justification string          `json:"justification"`
}

// ReviewRequestInput decides a pending request. When the decision is
// "approved" the reviewer may spawn a linked ADD_ITEM proposal in the same
// call; the spawn is a second independent write, not part of the review.
type ReviewRequestInput struct {
	Decision string               `json:"decision"`
	Notes    string               `json:"notes"`
	Proposal *CreateProposalInput `json:"proposal,omitempty"`
}

type CreateProposalInput struct {
	Type            string          `json:"type"`
	RequestID       string          `json:"request_id,omitempty"`
	ItemName        string          `json:"item_name"`
	ItemDescription string          `json:"item_description"`
	ItemCategory    string          `json:"item_category"`
	ItemMetadata    json.RawMessage `json:"item_metadata,omitempty"`
	ItemVendor      string          `json:"item_vendor,omitempty"`
	ItemPrice       *float64        `json:"item_price,omitempty"`
	ItemPricingType string          `json:"item_pricing_type,omitempty"`
	ItemProductURL  string          `json:"item_product_url,omitempty"`
	ItemSKU         string          `json:"item_sku,omitempty"`
	TargetItemID    string          `json:"target_item_id,omitempty"`
}

type ReviewProposalInput struct {
	Notes string `json:"notes"`
}

type EnrichInput struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Context  string `json:"context"`
}

type dataStore interface {
	GetMembershipByUser(ctx context.Context, userID string) (store.Membership, error)
	CreateRequest(ctx context.Context, req store.Request) (store.Request, error)
	GetRequest(ctx context.Context, orgID, requestID string) (store.Request, error)
	ListRequests(ctx context.Context, orgID, status, createdBy string, limit int) ([]store.Request, error)
	ReviewRequest(ctx context.Context, requestID, orgID, reviewerID, status, notes string) (store.Request, error)
	CreateProposal(ctx context.Context, p store.Proposal) (store.Proposal, error)
	GetProposal(ctx context.Context, orgID, proposalID string) (store.Proposal, error)
	ListProposals(ctx context.Context, orgID, status, proposalType string, limit int) ([]store.Proposal, error)
	RejectProposal(ctx context.Context, proposalID, orgID, reviewerID, notes string) (store.Proposal, error)
	ApproveProposal(ctx context.Context, proposalID, orgID, reviewerID, notes string, embedding *pgvector.Vector, embeddingModel string) (store.MergeResult, error)
	GetItem(ctx context.Context, orgID, itemID string) (store.CatalogItem, error)
	ListItems(ctx context.Context, orgID, status string, limit int) ([]store.CatalogItem, error)
	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error
	ListAuditEvents(ctx context.Context, orgID string, filter store.AuditFilter) ([]store.AuditEvent, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	provider embedding.Provider
	enricher enrich.Enricher
	search   *search.Service
}

// New creates the application service. provider, enricher and searchService
// may be nil when the corresponding backend is not configured.
func New(cfg config.Config, dataStore *store.PostgresStore, provider embedding.Provider, enricher enrich.Enricher, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		provider: provider,
		enricher: enricher,
		search:   searchService,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ResolveActor maps a token subject to the caller's organization and role.
// Users without a membership cannot act at all.
func (s *Service) ResolveActor(ctx context.Context, userID string) (Actor, error) {
	membership, err := s.store.GetMembershipByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Actor{}, errForbidden()
		}
		return Actor{}, fmt.Errorf("resolve actor: %w", err)
	}
	return Actor{
		UserID: userID,
		OrgID:  membership.OrgID,
		Role:   rbac.Normalize(membership.Role),
	}, nil
}

func (s *Service) guard(actor Actor, action rbac.Action) error {
	if !rbac.Can(actor.Role, action) {
		return errForbidden()
	}
	return nil
}

// audit records an event after the state change it describes has committed.
// A failed insert is logged and swallowed; it never undoes the change.
func (s *Service) audit(ctx context.Context, orgID, eventType, actorID, resourceType, resourceID string, metadata map[string]any) {
	payload := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			log.Printf("audit: marshal metadata for %s: %v", eventType, err)
		} else {
			payload = string(raw)
		}
	}
	err := s.store.InsertAuditEvent(ctx, store.AuditEvent{
		OrgID:        orgID,
		EventType:    eventType,
		ActorID:      actorID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     payload,
	})
	if err != nil {
		log.Printf("audit: record %s for %s/%s: %v", eventType, resourceType, resourceID, err)
	}
}

func (s *Service) CreateRequest(ctx context.Context, actor Actor, input CreateRequestInput) (store.Request, error) {
	if err := s.guard(actor, rbac.ActionRequest); err != nil {
		return store.Request{}, err
	}
	if strings.TrimSpace(input.SearchQuery) == "" {
		return store.Request{}, errValidation("search_query is required")
	}

	created, err := s.store.CreateRequest(ctx, store.Request{
		OrgID:         actor.OrgID,
		CreatedBy:     actor.UserID,
		SearchQuery:   strings.TrimSpace(input.SearchQuery),
		SearchResults: string(input.SearchResults),
		Justification: input.Justification,
		Status:        store.StatusPending,
	})
	if err != nil {
		return store.Request{}, fmt.Errorf("create request: %w", err)
	}

	s.audit(ctx, actor.OrgID, "request.created", actor.UserID, "request", created.ID, map[string]any{
		"search_query": created.SearchQuery,
	})
	return created, nil
}

func (s *Service) GetRequest(ctx context.Context, actor Actor, requestID string) (store.Request, error) {
	if err := s.guard(actor, rbac.ActionRead); err != nil {
		return store.Request{}, err
	}
	req, err := s.store.GetRequest(ctx, actor.OrgID, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Request{}, errNotFound("request")
		}
		return store.Request{}, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

func (s *Service) ListRequests(ctx context.Context, actor Actor, status, createdBy string, limit int) ([]store.Request, error) {
	if err := s.guard(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	requests, err := s.store.ListRequests(ctx, actor.OrgID, status, createdBy, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return requests, nil
}

// ReviewRequest decides a pending request. The lock-and-check happens in the
// store; a request already decided surfaces as Conflict no matter how the
// race interleaved.
func (s *Service) ReviewRequest(ctx context.Context, actor Actor, requestID string, input ReviewRequestInput) (store.Request, *store.Proposal, error) {
	if err := s.guard(actor, rbac.ActionReview); err != nil {
		return store.Request{}, nil, err
	}
	if input.Decision != store.StatusApproved && input.Decision != store.StatusRejected {
		return store.Request{}, nil, errValidation("decision must be approved or rejected")
	}
	if input.Proposal != nil {
		if input.Decision != store.StatusApproved {
			return store.Request{}, nil, errValidation("a proposal can only be spawned from an approved request")
		}
		// Validate the spawn before the review commits, so a malformed
		// payload cannot decide the request and then fail.
		spawnInput := *input.Proposal
		spawnInput.Type = store.ProposalAddItem
		spawnInput.TargetItemID = ""
		if err := s.validateProposal(ctx, actor, spawnInput); err != nil {
			return store.Request{}, nil, err
		}
	}

	reviewed, err := s.store.ReviewRequest(ctx, requestID, actor.OrgID, actor.UserID, input.Decision, input.Notes)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return store.Request{}, nil, errNotFound("request")
		case errors.Is(err, store.ErrNotPending):
			return store.Request{}, nil, errConflict("request is not pending")
		case storeUnavailable(err):
			return store.Request{}, nil, errDependency("catalog store is unavailable")
		}
		return store.Request{}, nil, fmt.Errorf("review request: %w", err)
	}

	s.audit(ctx, actor.OrgID, "request."+reviewed.Status, actor.UserID, "request", reviewed.ID, nil)

	// The spawned proposal is an independent write. If it fails the review
	// stands; the caller gets the error and can retry the proposal alone.
	var spawned *store.Proposal
	if input.Proposal != nil {
		proposalInput := *input.Proposal
		proposalInput.Type = store.ProposalAddItem
		proposalInput.TargetItemID = ""
		proposalInput.RequestID = reviewed.ID
		p, err := s.CreateProposal(ctx, actor, proposalInput)
		if err != nil {
			return reviewed, nil, err
		}
		spawned = &p
	}
	return reviewed, spawned, nil
}

func (s *Service) CreateProposal(ctx context.Context, actor Actor, input CreateProposalInput) (store.Proposal, error) {
	if err := s.guard(actor, rbac.ActionPropose); err != nil {
		return store.Proposal{}, err
	}
	if err := s.validateProposal(ctx, actor, input); err != nil {
		return store.Proposal{}, err
	}

	p := store.Proposal{
		OrgID:           actor.OrgID,
		ProposedBy:      actor.UserID,
		Type:            input.Type,
		ItemName:        strings.TrimSpace(input.ItemName),
		ItemDescription: input.ItemDescription,
		ItemCategory:    input.ItemCategory,
		ItemMetadata:    string(input.ItemMetadata),
		ItemVendor:      input.ItemVendor,
		ItemPrice:       input.ItemPrice,
		ItemPricingType: input.ItemPricingType,
		ItemProductURL:  input.ItemProductURL,
		ItemSKU:         input.ItemSKU,
		Status:          store.StatusPending,
	}
	if input.RequestID != "" {
		p.RequestID = &input.RequestID
	}
	if input.TargetItemID != "" {
		p.TargetItemID = &input.TargetItemID
	}

	created, err := s.store.CreateProposal(ctx, p)
	if err != nil {
		return store.Proposal{}, fmt.Errorf("create proposal: %w", err)
	}

	s.audit(ctx, actor.OrgID, "proposal.created", actor.UserID, "proposal", created.ID, map[string]any{
		"type": created.Type,
	})
	return created, nil
}

// validateProposal applies the per-type rules before any row is written or
// locked. The target check here is advisory; the merge re-checks under lock.
func (s *Service) validateProposal(ctx context.Context, actor Actor, input CreateProposalInput) error {
	switch input.Type {
	case store.ProposalAddItem, store.ProposalReplaceItem:
		if strings.TrimSpace(input.ItemName) == "" {
			return errValidation("item_name is required")
		}
		if strings.TrimSpace(input.ItemDescription) == "" {
			return errValidation("item_description is required")
		}
		if strings.TrimSpace(input.ItemCategory) == "" {
			return errValidation("item_category is required")
		}
	case store.ProposalDeprecateItem:
		// no item fields
	default:
		return errValidation("type must be ADD_ITEM, REPLACE_ITEM or DEPRECATE_ITEM")
	}

	if input.Type == store.ProposalReplaceItem || input.Type == store.ProposalDeprecateItem {
		if input.TargetItemID == "" {
			return errValidation("target_item_id is required")
		}
		target, err := s.store.GetItem(ctx, actor.OrgID, input.TargetItemID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errValidation("target_item_id does not name an item in this organization")
			}
			return fmt.Errorf("check target item: %w", err)
		}
		if target.Status != store.ItemActive {
			return errValidation("target item is not active")
		}
	} else if input.TargetItemID != "" {
		return errValidation("target_item_id is only valid for REPLACE_ITEM and DEPRECATE_ITEM")
	}
	return nil
}

func (s *Service) GetProposal(ctx context.Context, actor Actor, proposalID string) (store.Proposal, error) {
	if err := s.guard(actor, rbac.ActionRead); err != nil {
		return store.Proposal{}, err
	}
	p, err := s.store.GetProposal(ctx, actor.OrgID, proposalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Proposal{}, errNotFound("proposal")
		}
		return store.Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *Service) ListProposals(ctx context.Context, actor Actor, status, proposalType string, limit int) ([]store.Proposal, error) {
	if err := s.guard(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	proposals, err := s.store.ListProposals(ctx, actor.OrgID, status, proposalType, limit)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	return proposals, nil
}

func (s *Service) RejectProposal(ctx context.Context, actor Actor, proposalID string, input ReviewProposalInput) (store.Proposal, error) {
	if err := s.guard(actor, rbac.ActionReview); err != nil {
		return store.Proposal{}, err
	}
	rejected, err := s.store.RejectProposal(ctx, proposalID, actor.OrgID, actor.UserID, input.Notes)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return store.Proposal{}, errNotFound("proposal")
		case errors.Is(err, store.ErrNotPending):
			return store.Proposal{}, errConflict("proposal is not pending")
		case storeUnavailable(err):
			return store.Proposal{}, errDependency("catalog store is unavailable")
		}
		return store.Proposal{}, fmt.Errorf("reject proposal: %w", err)
	}

	s.audit(ctx, actor.OrgID, "proposal.rejected", actor.UserID, "proposal", rejected.ID, nil)
	return rejected, nil
}

// ApproveProposal merges a pending proposal into the catalog. The embedding
// is computed before the transaction so the provider's latency never extends
// the row lock; a provider failure degrades to a merge without a vector.
func (s *Service) ApproveProposal(ctx context.Context, actor Actor, proposalID string, input ReviewProposalInput) (store.MergeResult, error) {
	if err := s.guard(actor, rbac.ActionMerge); err != nil {
		return store.MergeResult{}, err
	}

	p, err := s.store.GetProposal(ctx, actor.OrgID, proposalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.MergeResult{}, errNotFound("proposal")
		}
		return store.MergeResult{}, fmt.Errorf("load proposal: %w", err)
	}

	var vector *pgvector.Vector
	var model string
	if s.provider != nil && (p.Type == store.ProposalAddItem || p.Type == store.ProposalReplaceItem) {
		text := embedding.EncodeItem(p.ItemName, p.ItemCategory, p.ItemDescription)
		values, err := s.provider.Embed(ctx, text)
		if err != nil {
			log.Printf("approve proposal %s: embedding failed, merging without vector: %v", proposalID, err)
		} else {
			v := pgvector.NewVector(values)
			vector = &v
			model = s.provider.Model()
		}
	}

	mergeCtx, cancel := context.WithTimeout(ctx, s.cfg.MergeTimeout)
	defer cancel()
	result, err := s.store.ApproveProposal(mergeCtx, proposalID, actor.OrgID, actor.UserID, input.Notes, vector, model)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return store.MergeResult{}, errNotFound("proposal")
		case errors.Is(err, store.ErrNotPending):
			return store.MergeResult{}, errConflict("proposal is not pending")
		case errors.Is(err, store.ErrTargetNotActive):
			return store.MergeResult{}, errConflict("target item is not active")
		case errors.Is(err, store.ErrTargetMissing):
			return store.MergeResult{}, errConflict("proposal has no target item")
		case storeUnavailable(err):
			return store.MergeResult{}, errDependency("catalog store is unavailable")
		}
		return store.MergeResult{}, fmt.Errorf("approve proposal: %w", err)
	}

	s.audit(ctx, actor.OrgID, "proposal.approved", actor.UserID, "proposal", result.Proposal.ID, map[string]any{
		"new_item_id":        result.NewItemID,
		"deprecated_item_id": result.DeprecatedItemID,
	})
	if result.NewItemID != "" {
		s.audit(ctx, actor.OrgID, "catalog_item.created", actor.UserID, "catalog_item", result.NewItemID, map[string]any{
			"proposal_id": result.Proposal.ID,
		})
	}

	if s.search != nil {
		if result.NewItemID != "" {
			s.search.IndexItem(search.ItemRecord{
				ID:          result.NewItemID,
				OrgID:       actor.OrgID,
				Name:        result.Proposal.ItemName,
				Description: result.Proposal.ItemDescription,
				Category:    result.Proposal.ItemCategory,
				Vendor:      result.Proposal.ItemVendor,
				Status:      store.ItemActive,
			})
		}
		if result.DeprecatedItemID != "" {
			s.search.DeleteItem(result.DeprecatedItemID)
		}
	}
	return result, nil
}

func (s *Service) GetItem(ctx context.Context, actor Actor, itemID string) (store.CatalogItem, error) {
	if err := s.guard(actor, rbac.ActionRead); err != nil {
		return store.CatalogItem{}, err
	}
	item, err := s.store.GetItem(ctx, actor.OrgID, itemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.CatalogItem{}, errNotFound("catalog item")
		}
		return store.CatalogItem{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

func (s *Service) ListItems(ctx context.Context, actor Actor, status string, limit int) ([]store.CatalogItem, error) {
	if err := s.guard(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, actor.OrgID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (s *Service) SearchItems(ctx context.Context, actor Actor, text string, threshold float64, limit int) (search.Response, error) {
	if err := s.guard(actor, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if strings.TrimSpace(text) == "" {
		return search.Response{}, errValidation("q is required")
	}
	if s.search == nil {
		return search.Response{}, errDependency("search is not configured")
	}
	return s.search.Search(ctx, search.Query{
		OrgID:     actor.OrgID,
		Text:      text,
		Threshold: threshold,
		Limit:     limit,
	}), nil
}

func (s *Service) EnrichProduct(ctx context.Context, actor Actor, input EnrichInput) (enrich.Product, error) {
	if err := s.guard(actor, rbac.ActionRequest); err != nil {
		return enrich.Product{}, err
	}
	if strings.TrimSpace(input.Name) == "" {
		return enrich.Product{}, errValidation("name is required")
	}
	if s.enricher == nil {
		return enrich.Product{}, errDependency("enrichment is not configured")
	}
	product, err := s.enricher.EnrichProduct(ctx, input.Name, input.Category, input.Context)
	if err != nil {
		log.Printf("enrich product %q: %v", input.Name, err)
		return enrich.Product{}, errDependency("product enrichment failed")
	}
	return product, nil
}

func (s *Service) ListAuditEvents(ctx context.Context, actor Actor, filter store.AuditFilter) ([]store.AuditEvent, error) {
	if err := s.guard(actor, rbac.ActionReview); err != nil {
		return nil, err
	}
	events, err := s.store.ListAuditEvents(ctx, actor.OrgID, filter)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}
