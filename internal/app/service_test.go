package app

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/349lolol/Cataloger/internal/config"
	"github.com/349lolol/Cataloger/internal/rbac"
	"github.com/349lolol/Cataloger/internal/store"
)

type fakeStore struct {
	getMembershipByUserFn func(context.Context, string) (store.Membership, error)
	createRequestFn       func(context.Context, store.Request) (store.Request, error)
	getRequestFn          func(context.Context, string, string) (store.Request, error)
	listRequestsFn        func(context.Context, string, string, string, int) ([]store.Request, error)
	reviewRequestFn       func(context.Context, string, string, string, string, string) (store.Request, error)
	createProposalFn      func(context.Context, store.Proposal) (store.Proposal, error)
	getProposalFn         func(context.Context, string, string) (store.Proposal, error)
	listProposalsFn       func(context.Context, string, string, string, int) ([]store.Proposal, error)
	rejectProposalFn      func(context.Context, string, string, string, string) (store.Proposal, error)
	approveProposalFn     func(context.Context, string, string, string, string, *pgvector.Vector, string) (store.MergeResult, error)
	getItemFn             func(context.Context, string, string) (store.CatalogItem, error)
	listItemsFn           func(context.Context, string, string, int) ([]store.CatalogItem, error)
	insertAuditEventFn    func(context.Context, store.AuditEvent) error
	listAuditEventsFn     func(context.Context, string, store.AuditFilter) ([]store.AuditEvent, error)
}

func (f *fakeStore) GetMembershipByUser(ctx context.Context, userID string) (store.Membership, error) {
	if f.getMembershipByUserFn != nil {
		return f.getMembershipByUserFn(ctx, userID)
	}
	return store.Membership{OrgID: "org-1", UserID: userID, Role: "reviewer"}, nil
}

func (f *fakeStore) CreateRequest(ctx context.Context, req store.Request) (store.Request, error) {
	if f.createRequestFn != nil {
		return f.createRequestFn(ctx, req)
	}
	req.ID = "req-1"
	return req, nil
}

func (f *fakeStore) GetRequest(ctx context.Context, orgID, requestID string) (store.Request, error) {
	if f.getRequestFn != nil {
		return f.getRequestFn(ctx, orgID, requestID)
	}
	return store.Request{ID: requestID, OrgID: orgID, Status: store.StatusPending}, nil
}

func (f *fakeStore) ListRequests(ctx context.Context, orgID, status, createdBy string, limit int) ([]store.Request, error) {
	if f.listRequestsFn != nil {
		return f.listRequestsFn(ctx, orgID, status, createdBy, limit)
	}
	return nil, nil
}

func (f *fakeStore) ReviewRequest(ctx context.Context, requestID, orgID, reviewerID, status, notes string) (store.Request, error) {
	if f.reviewRequestFn != nil {
		return f.reviewRequestFn(ctx, requestID, orgID, reviewerID, status, notes)
	}
	return store.Request{ID: requestID, OrgID: orgID, Status: status, ReviewedBy: reviewerID}, nil
}

func (f *fakeStore) CreateProposal(ctx context.Context, p store.Proposal) (store.Proposal, error) {
	if f.createProposalFn != nil {
		return f.createProposalFn(ctx, p)
	}
	p.ID = "prop-1"
	return p, nil
}

func (f *fakeStore) GetProposal(ctx context.Context, orgID, proposalID string) (store.Proposal, error) {
	if f.getProposalFn != nil {
		return f.getProposalFn(ctx, orgID, proposalID)
	}
	return store.Proposal{
		ID:              proposalID,
		OrgID:           orgID,
		Type:            store.ProposalAddItem,
		ItemName:        "Widget",
		ItemDescription: "A widget",
		ItemCategory:    "Hardware",
		Status:          store.StatusPending,
	}, nil
}

func (f *fakeStore) ListProposals(ctx context.Context, orgID, status, proposalType string, limit int) ([]store.Proposal, error) {
	if f.listProposalsFn != nil {
		return f.listProposalsFn(ctx, orgID, status, proposalType, limit)
	}
	return nil, nil
}

func (f *fakeStore) RejectProposal(ctx context.Context, proposalID, orgID, reviewerID, notes string) (store.Proposal, error) {
	if f.rejectProposalFn != nil {
		return f.rejectProposalFn(ctx, proposalID, orgID, reviewerID, notes)
	}
	return store.Proposal{ID: proposalID, OrgID: orgID, Status: store.StatusRejected}, nil
}

func (f *fakeStore) ApproveProposal(ctx context.Context, proposalID, orgID, reviewerID, notes string, embedding *pgvector.Vector, embeddingModel string) (store.MergeResult, error) {
	if f.approveProposalFn != nil {
		return f.approveProposalFn(ctx, proposalID, orgID, reviewerID, notes, embedding, embeddingModel)
	}
	return store.MergeResult{
		Proposal:  store.Proposal{ID: proposalID, OrgID: orgID, Status: store.StatusMerged},
		NewItemID: "item-1",
	}, nil
}

func (f *fakeStore) GetItem(ctx context.Context, orgID, itemID string) (store.CatalogItem, error) {
	if f.getItemFn != nil {
		return f.getItemFn(ctx, orgID, itemID)
	}
	return store.CatalogItem{ID: itemID, OrgID: orgID, Status: store.ItemActive}, nil
}

func (f *fakeStore) ListItems(ctx context.Context, orgID, status string, limit int) ([]store.CatalogItem, error) {
	if f.listItemsFn != nil {
		return f.listItemsFn(ctx, orgID, status, limit)
	}
	return nil, nil
}

func (f *fakeStore) InsertAuditEvent(ctx context.Context, event store.AuditEvent) error {
	if f.insertAuditEventFn != nil {
		return f.insertAuditEventFn(ctx, event)
	}
	return nil
}

func (f *fakeStore) ListAuditEvents(ctx context.Context, orgID string, filter store.AuditFilter) ([]store.AuditEvent, error) {
	if f.listAuditEventsFn != nil {
		return f.listAuditEventsFn(ctx, orgID, filter)
	}
	return nil, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeProvider struct {
	embedFn func(context.Context, string) ([]float32, error)
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.embedFn != nil {
		return f.embedFn(ctx, text)
	}
	values := make([]float32, 768)
	return values, nil
}

func (f *fakeProvider) Model() string { return "fake-embedding" }

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:   config.Config{MergeTimeout: 5 * time.Second},
		store: fs,
	}
}

func reviewer() Actor {
	return Actor{UserID: "user-rev", OrgID: "org-1", Role: rbac.RoleReviewer}
}

func requester() Actor {
	return Actor{UserID: "user-req", OrgID: "org-1", Role: rbac.RoleRequester}
}

func assertDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("error %v is not a DomainError", err)
	}
	if domainErr.Code != code {
		t.Fatalf("code = %q, want %q", domainErr.Code, code)
	}
}

func TestResolveActorWithoutMembershipIsForbidden(t *testing.T) {
	svc := newTestService(&fakeStore{
		getMembershipByUserFn: func(context.Context, string) (store.Membership, error) {
			return store.Membership{}, sql.ErrNoRows
		},
	})
	_, err := svc.ResolveActor(context.Background(), "ghost")
	assertDomainCode(t, err, CodeForbidden)
}

func TestCreateRequestRequiresSearchQuery(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.CreateRequest(context.Background(), requester(), CreateRequestInput{SearchQuery: "   "})
	assertDomainCode(t, err, CodeValidation)
}

func TestCreateRequestEmitsAudit(t *testing.T) {
	var recorded []store.AuditEvent
	svc := newTestService(&fakeStore{
		insertAuditEventFn: func(_ context.Context, event store.AuditEvent) error {
			recorded = append(recorded, event)
			return nil
		},
	})
	created, err := svc.CreateRequest(context.Background(), requester(), CreateRequestInput{SearchQuery: "standing desks"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if len(recorded) != 1 || recorded[0].EventType != "request.created" || recorded[0].ResourceID != created.ID {
		t.Fatalf("audit events = %+v", recorded)
	}
}

func TestAuditFailureDoesNotFailTheOperation(t *testing.T) {
	svc := newTestService(&fakeStore{
		insertAuditEventFn: func(context.Context, store.AuditEvent) error {
			return errors.New("audit table is on fire")
		},
	})
	if _, err := svc.CreateRequest(context.Background(), requester(), CreateRequestInput{SearchQuery: "chairs"}); err != nil {
		t.Fatalf("operation must survive audit failure, got %v", err)
	}
}

func TestRequesterCannotCreateProposal(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.CreateProposal(context.Background(), requester(), CreateProposalInput{
		Type:            store.ProposalAddItem,
		ItemName:        "Widget",
		ItemDescription: "A widget",
		ItemCategory:    "Hardware",
	})
	assertDomainCode(t, err, CodeForbidden)
}

func TestRequesterCannotApproveOrReject(t *testing.T) {
	svc := newTestService(&fakeStore{})
	if _, err := svc.ApproveProposal(context.Background(), requester(), "prop-1", ReviewProposalInput{}); err == nil {
		t.Fatal("requester approve must fail")
	} else {
		assertDomainCode(t, err, CodeForbidden)
	}
	if _, err := svc.RejectProposal(context.Background(), requester(), "prop-1", ReviewProposalInput{}); err == nil {
		t.Fatal("requester reject must fail")
	} else {
		assertDomainCode(t, err, CodeForbidden)
	}
	if _, _, err := svc.ReviewRequest(context.Background(), requester(), "req-1", ReviewRequestInput{Decision: store.StatusApproved}); err == nil {
		t.Fatal("requester review must fail")
	} else {
		assertDomainCode(t, err, CodeForbidden)
	}
}

func TestCreateProposalValidation(t *testing.T) {
	cases := []struct {
		name  string
		input CreateProposalInput
	}{
		{"unknown type", CreateProposalInput{Type: "RENAME_ITEM"}},
		{"add without name", CreateProposalInput{Type: store.ProposalAddItem, ItemDescription: "d", ItemCategory: "c"}},
		{"add without description", CreateProposalInput{Type: store.ProposalAddItem, ItemName: "n", ItemCategory: "c"}},
		{"add without category", CreateProposalInput{Type: store.ProposalAddItem, ItemName: "n", ItemDescription: "d"}},
		{"add with target", CreateProposalInput{Type: store.ProposalAddItem, ItemName: "n", ItemDescription: "d", ItemCategory: "c", TargetItemID: "item-1"}},
		{"replace without target", CreateProposalInput{Type: store.ProposalReplaceItem, ItemName: "n", ItemDescription: "d", ItemCategory: "c"}},
		{"deprecate without target", CreateProposalInput{Type: store.ProposalDeprecateItem}},
	}
	svc := newTestService(&fakeStore{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateProposal(context.Background(), reviewer(), tc.input)
			assertDomainCode(t, err, CodeValidation)
		})
	}
}

func TestCreateProposalRejectsInactiveTarget(t *testing.T) {
	svc := newTestService(&fakeStore{
		getItemFn: func(_ context.Context, orgID, itemID string) (store.CatalogItem, error) {
			return store.CatalogItem{ID: itemID, OrgID: orgID, Status: store.ItemDeprecated}, nil
		},
	})
	_, err := svc.CreateProposal(context.Background(), reviewer(), CreateProposalInput{
		Type:         store.ProposalDeprecateItem,
		TargetItemID: "item-1",
	})
	assertDomainCode(t, err, CodeValidation)
}

func TestCreateProposalRejectsMissingTarget(t *testing.T) {
	svc := newTestService(&fakeStore{
		getItemFn: func(context.Context, string, string) (store.CatalogItem, error) {
			return store.CatalogItem{}, sql.ErrNoRows
		},
	})
	_, err := svc.CreateProposal(context.Background(), reviewer(), CreateProposalInput{
		Type:         store.ProposalDeprecateItem,
		TargetItemID: "item-elsewhere",
	})
	assertDomainCode(t, err, CodeValidation)
}

func TestReviewRequestDecisionValidation(t *testing.T) {
	svc := newTestService(&fakeStore{})
	if _, _, err := svc.ReviewRequest(context.Background(), reviewer(), "req-1", ReviewRequestInput{Decision: "maybe"}); err == nil {
		t.Fatal("bad decision must fail")
	} else {
		assertDomainCode(t, err, CodeValidation)
	}

	spawn := &CreateProposalInput{ItemName: "n", ItemDescription: "d", ItemCategory: "c"}
	if _, _, err := svc.ReviewRequest(context.Background(), reviewer(), "req-1", ReviewRequestInput{Decision: store.StatusRejected, Proposal: spawn}); err == nil {
		t.Fatal("spawning from a rejection must fail")
	} else {
		assertDomainCode(t, err, CodeValidation)
	}
}

func TestReviewRequestConflict(t *testing.T) {
	svc := newTestService(&fakeStore{
		reviewRequestFn: func(context.Context, string, string, string, string, string) (store.Request, error) {
			return store.Request{}, store.ErrNotPending
		},
	})
	_, _, err := svc.ReviewRequest(context.Background(), reviewer(), "req-1", ReviewRequestInput{Decision: store.StatusApproved})
	assertDomainCode(t, err, CodeConflict)
}

func TestReviewRequestSpawnsLinkedProposal(t *testing.T) {
	var created store.Proposal
	svc := newTestService(&fakeStore{
		createProposalFn: func(_ context.Context, p store.Proposal) (store.Proposal, error) {
			p.ID = "prop-spawned"
			created = p
			return p, nil
		},
	})
	_, spawned, err := svc.ReviewRequest(context.Background(), reviewer(), "req-1", ReviewRequestInput{
		Decision: store.StatusApproved,
		Proposal: &CreateProposalInput{
			Type:            store.ProposalDeprecateItem, // overridden: spawns are always ADD_ITEM
			ItemName:        "Widget",
			ItemDescription: "A widget",
			ItemCategory:    "Hardware",
		},
	})
	if err != nil {
		t.Fatalf("review with spawn: %v", err)
	}
	if spawned == nil || spawned.ID != "prop-spawned" {
		t.Fatalf("spawned = %+v", spawned)
	}
	if created.Type != store.ProposalAddItem {
		t.Fatalf("spawned type = %q, want ADD_ITEM", created.Type)
	}
	if created.RequestID == nil || *created.RequestID != "req-1" {
		t.Fatalf("spawned proposal not linked to request: %+v", created.RequestID)
	}
}

func TestApproveProposalPassesVector(t *testing.T) {
	var gotVector *pgvector.Vector
	var gotModel string
	fs := &fakeStore{
		approveProposalFn: func(_ context.Context, proposalID, orgID, reviewerID, notes string, embedding *pgvector.Vector, model string) (store.MergeResult, error) {
			gotVector = embedding
			gotModel = model
			return store.MergeResult{Proposal: store.Proposal{ID: proposalID, Status: store.StatusMerged}, NewItemID: "item-1"}, nil
		},
	}
	svc := newTestService(fs)
	svc.provider = &fakeProvider{}

	if _, err := svc.ApproveProposal(context.Background(), reviewer(), "prop-1", ReviewProposalInput{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if gotVector == nil {
		t.Fatal("merge should receive the embedding vector")
	}
	if gotModel != "fake-embedding" {
		t.Fatalf("model = %q, want fake-embedding", gotModel)
	}
}

func TestApproveProposalEmbeddingFailureDegrades(t *testing.T) {
	var gotVector *pgvector.Vector
	fs := &fakeStore{
		approveProposalFn: func(_ context.Context, proposalID, orgID, reviewerID, notes string, embedding *pgvector.Vector, model string) (store.MergeResult, error) {
			gotVector = embedding
			return store.MergeResult{Proposal: store.Proposal{ID: proposalID, Status: store.StatusMerged}, NewItemID: "item-1"}, nil
		},
	}
	svc := newTestService(fs)
	svc.provider = &fakeProvider{
		embedFn: func(context.Context, string) ([]float32, error) {
			return nil, errors.New("provider quota exhausted")
		},
	}

	result, err := svc.ApproveProposal(context.Background(), reviewer(), "prop-1", ReviewProposalInput{})
	if err != nil {
		t.Fatalf("merge must proceed without a vector, got %v", err)
	}
	if gotVector != nil {
		t.Fatal("degraded merge must not carry a vector")
	}
	if result.Proposal.Status != store.StatusMerged {
		t.Fatalf("status = %q, want merged", result.Proposal.Status)
	}
}

func TestApproveProposalSkipsEmbeddingForDeprecate(t *testing.T) {
	embedCalled := false
	fs := &fakeStore{
		getProposalFn: func(_ context.Context, orgID, proposalID string) (store.Proposal, error) {
			target := "item-1"
			return store.Proposal{ID: proposalID, OrgID: orgID, Type: store.ProposalDeprecateItem, TargetItemID: &target, Status: store.StatusPending}, nil
		},
	}
	svc := newTestService(fs)
	svc.provider = &fakeProvider{
		embedFn: func(context.Context, string) ([]float32, error) {
			embedCalled = true
			return make([]float32, 768), nil
		},
	}

	if _, err := svc.ApproveProposal(context.Background(), reviewer(), "prop-1", ReviewProposalInput{}); err != nil {
		t.Fatalf("approve deprecate: %v", err)
	}
	if embedCalled {
		t.Fatal("DEPRECATE_ITEM creates no item and needs no embedding")
	}
}

func TestApproveProposalConflictMapping(t *testing.T) {
	svc := newTestService(&fakeStore{
		approveProposalFn: func(context.Context, string, string, string, string, *pgvector.Vector, string) (store.MergeResult, error) {
			return store.MergeResult{}, store.ErrNotPending
		},
	})
	_, err := svc.ApproveProposal(context.Background(), reviewer(), "prop-1", ReviewProposalInput{})
	assertDomainCode(t, err, CodeConflict)
}

func TestApproveProposalTargetConflictMapping(t *testing.T) {
	svc := newTestService(&fakeStore{
		approveProposalFn: func(context.Context, string, string, string, string, *pgvector.Vector, string) (store.MergeResult, error) {
			return store.MergeResult{}, store.ErrTargetNotActive
		},
	})
	_, err := svc.ApproveProposal(context.Background(), reviewer(), "prop-1", ReviewProposalInput{})
	assertDomainCode(t, err, CodeConflict)
}

func TestApproveProposalMissingTargetMapping(t *testing.T) {
	svc := newTestService(&fakeStore{
		approveProposalFn: func(context.Context, string, string, string, string, *pgvector.Vector, string) (store.MergeResult, error) {
			return store.MergeResult{}, store.ErrTargetMissing
		},
	})
	_, err := svc.ApproveProposal(context.Background(), reviewer(), "prop-1", ReviewProposalInput{})
	assertDomainCode(t, err, CodeConflict)
}

func TestApproveProposalUnreachableStoreIsDependencyFailure(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	svc := newTestService(&fakeStore{
		approveProposalFn: func(context.Context, string, string, string, string, *pgvector.Vector, string) (store.MergeResult, error) {
			return store.MergeResult{}, fmt.Errorf("begin merge tx: %w", dialErr)
		},
	})
	_, err := svc.ApproveProposal(context.Background(), reviewer(), "prop-1", ReviewProposalInput{})
	assertDomainCode(t, err, CodeDependency)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("status = %v, want 503", err)
	}
}

func TestApproveProposalMergeTimeoutIsDependencyFailure(t *testing.T) {
	svc := newTestService(&fakeStore{
		approveProposalFn: func(context.Context, string, string, string, string, *pgvector.Vector, string) (store.MergeResult, error) {
			return store.MergeResult{}, fmt.Errorf("mark proposal merged: %w", context.DeadlineExceeded)
		},
	})
	_, err := svc.ApproveProposal(context.Background(), reviewer(), "prop-1", ReviewProposalInput{})
	assertDomainCode(t, err, CodeDependency)
}

func TestRejectProposalUnreachableStoreIsDependencyFailure(t *testing.T) {
	svc := newTestService(&fakeStore{
		rejectProposalFn: func(context.Context, string, string, string, string) (store.Proposal, error) {
			return store.Proposal{}, &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
		},
	})
	_, err := svc.RejectProposal(context.Background(), reviewer(), "prop-1", ReviewProposalInput{})
	assertDomainCode(t, err, CodeDependency)
}

func TestReviewRequestUnreachableStoreIsDependencyFailure(t *testing.T) {
	svc := newTestService(&fakeStore{
		reviewRequestFn: func(context.Context, string, string, string, string, string) (store.Request, error) {
			return store.Request{}, driver.ErrBadConn
		},
	})
	_, _, err := svc.ReviewRequest(context.Background(), reviewer(), "req-1", ReviewRequestInput{Decision: store.StatusApproved})
	assertDomainCode(t, err, CodeDependency)
}

func TestApproveProposalNotFoundMapping(t *testing.T) {
	svc := newTestService(&fakeStore{
		getProposalFn: func(context.Context, string, string) (store.Proposal, error) {
			return store.Proposal{}, sql.ErrNoRows
		},
	})
	_, err := svc.ApproveProposal(context.Background(), reviewer(), "prop-missing", ReviewProposalInput{})
	assertDomainCode(t, err, CodeNotFound)
}

func TestGetProposalNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{
		getProposalFn: func(context.Context, string, string) (store.Proposal, error) {
			return store.Proposal{}, sql.ErrNoRows
		},
	})
	_, err := svc.GetProposal(context.Background(), requester(), "prop-missing")
	assertDomainCode(t, err, CodeNotFound)
}

func TestEnrichProductWithoutBackend(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.EnrichProduct(context.Background(), requester(), EnrichInput{Name: "Laptop"})
	assertDomainCode(t, err, CodeDependency)
}

func TestEnrichProductRequiresName(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.EnrichProduct(context.Background(), requester(), EnrichInput{})
	assertDomainCode(t, err, CodeValidation)
}

func TestSearchWithoutBackend(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.SearchItems(context.Background(), requester(), "desks", 0.3, 10)
	assertDomainCode(t, err, CodeDependency)
}

func TestListAuditEventsRequiresReviewer(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.ListAuditEvents(context.Background(), requester(), store.AuditFilter{})
	assertDomainCode(t, err, CodeForbidden)
}
