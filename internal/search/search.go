package search

// SongKind distinguishes the two sources a searchable song can come from.
type SongKind string

const (
	KindSubmission SongKind = "submission"
	KindProposal   SongKind = "proposal"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Kind      SongKind `json:"kind"`
	ID        string   `json:"id"`
	SessionID string   `json:"sessionId"`
	Title     string   `json:"title"`
	Artist    string   `json:"artist"`
	Snippet   string   `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterSessionID string
	FilterKind      SongKind // empty = both kinds
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over songs.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SongRecord is the data we index for one song.
type SongRecord struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	Notes     string `json:"notes"`
}
