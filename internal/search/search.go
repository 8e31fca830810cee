package search

// Result is a single catalog search hit returned to the caller.
type Result struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Vendor      string  `json:"vendor,omitempty"`
	Status      string  `json:"status"`
	Similarity  float64 `json:"similarity,omitempty"`
}

// Query describes a catalog search request, always scoped to one organization.
type Query struct {
	OrgID     string
	Text      string
	Threshold float64
	Limit     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Query   string   `json:"query"`
	Mode    string   `json:"mode"`
}

// Indexer can push catalog items into a keyword index.
type Indexer interface {
	IndexItem(item ItemRecord) error
	DeleteItem(id string) error
}

// ItemRecord is the data we index for a catalog item.
type ItemRecord struct {
	ID          string `json:"id"`
	OrgID       string `json:"orgId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Vendor      string `json:"vendor"`
	Status      string `json:"status"`
}
