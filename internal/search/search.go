package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultRundown ResultType = "rundown"
	ResultItem    ResultType = "item"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	RundownID string     `json:"rundownId"`
	TeamID    string     `json:"teamId"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	FilterTeamID string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// RundownRecord is the data we index for a rundown.
type RundownRecord struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	ShowDate      string `json:"showDate"`
	ExternalNotes string `json:"externalNotes"`
	TeamID        string `json:"teamId"`
}

// ItemRecord is the data we index for a single rundown row.
type ItemRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Talent    string `json:"talent"`
	Script    string `json:"script"`
	Notes     string `json:"notes"`
	RundownID string `json:"rundownId"`
	TeamID    string `json:"teamId"`
}
