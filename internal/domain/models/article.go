package models

import "time"

// Article is one news item as returned by a source and served by the aggregator.
type Article struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	URL            string    `json:"url"`
	Summary        string    `json:"summary,omitempty"`
	Source         string    `json:"source"`
	SourcePriority int       `json:"sourcePriority"`
	Category       string    `json:"category,omitempty"`
	Symbols        []string  `json:"symbols,omitempty"`
	PublishedAt    time.Time `json:"publishedAt"`
}

// NewsFilter selects articles. Page and PageSize are applied after merging.
type NewsFilter struct {
	Query    string    `json:"q,omitempty"`
	Category string    `json:"category,omitempty"`
	Symbols  []string  `json:"symbols,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	Page     int       `json:"page"`
	PageSize int       `json:"pageSize"`
}

// NewsPage is one page of the merged, de-duplicated article list.
type NewsPage struct {
	Articles   []Article      `json:"articles"`
	TotalCount int            `json:"totalCount"`
	HasMore    bool           `json:"hasMore"`
	Page       int            `json:"page"`
	PageSize   int            `json:"pageSize"`
	Cached     bool           `json:"cached"`
	Sources    []SourceStatus `json:"sources,omitempty"`
}

// SourceStatus reports what one source contributed to a fetch.
type SourceStatus struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Articles int    `json:"articles"`
	Error    string `json:"error,omitempty"`
}
