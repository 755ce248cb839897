package database

// Lead is a persisted, fully processed and graded post.
type Lead struct {
	ID                 int64
	URL                string
	Title              string
	Description        string
	City               string
	Category           string
	DatePosted         *string
	ScrapedAt          string
	EstimatedValue     *string
	ContactMethod      *string
	ContactEmail       *string
	ContactPhone       *string
	Contacted          bool
	FollowUpDate       *string
	IsJunk             bool
	ProfitabilityScore *int
	Reasoning          *string
	SearchScope        *string
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalLeads  int
	ScoredLeads int
	JunkLeads   int
	Contacted   int
	Cities      int
	Categories  int
}

// ScopeStats summarizes leads produced by one search scope.
type ScopeStats struct {
	Scope    string
	Leads    int
	Scored   int
	AvgScore *float64
}
