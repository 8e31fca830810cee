package store

import "time"

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusMerged   = "merged"
)

const (
	ItemActive     = "active"
	ItemDeprecated = "deprecated"
)

const (
	ProposalAddItem       = "ADD_ITEM"
	ProposalReplaceItem   = "REPLACE_ITEM"
	ProposalDeprecateItem = "DEPRECATE_ITEM"
)

type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Membership is the (organization, user, role) triple checked before every
// privileged operation.
type Membership struct {
	OrgID     string
	UserID    string
	Role      string
	CreatedAt time.Time
}

type CatalogItem struct {
	ID          string
	OrgID       string
	Name        string
	Description string
	Category    string
	Metadata    string
	Vendor      string
	Price       *float64
	PricingType string
	ProductURL  string
	SKU         string
	Status      string
	// Set together with Status by a REPLACE_ITEM merge, never separately.
	ReplacementItemID *string
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Request struct {
	ID            string
	OrgID         string
	CreatedBy     string
	SearchQuery   string
	SearchResults string
	Justification string
	Status        string
	ReviewedBy    string
	ReviewNotes   string
	ReviewedAt    *time.Time
	CreatedAt     time.Time
}

type Proposal struct {
	ID              string
	OrgID           string
	ProposedBy      string
	RequestID       *string
	Type            string
	ItemName        string
	ItemDescription string
	ItemCategory    string
	ItemMetadata    string
	ItemVendor      string
	ItemPrice       *float64
	ItemPricingType string
	ItemProductURL  string
	ItemSKU         string
	TargetItemID    *string
	Status          string
	ReviewedBy      string
	ReviewNotes     string
	ReviewedAt      *time.Time
	MergedAt        *time.Time
	CreatedAt       time.Time
}

type AuditEvent struct {
	ID           string
	OrgID        string
	EventType    string
	ActorID      string
	ResourceType string
	ResourceID   string
	Metadata     string
	CreatedAt    time.Time
}

type AuditFilter struct {
	EventType    string
	ResourceType string
	ResourceID   string
	Limit        int
}

// MergeResult reports both sides of a committed merge so callers can name the
// created item and, for REPLACE_ITEM, the item it deprecated.
type MergeResult struct {
	Proposal         Proposal
	NewItemID        string
	DeprecatedItemID string
}
