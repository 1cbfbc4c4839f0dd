package internetsearch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sammcj/privsearch/internal/transport"
)

// SearchResult is a normalised result. It is immutable once built.
type SearchResult struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	URL       string         `json:"url"`
	Snippet   string         `json:"snippet"`
	Domain    string         `json:"domain"`
	Score     float64        `json:"score"`
	Source    string         `json:"source"`
	Thumbnail string         `json:"thumbnail,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Query is what a provider is asked for
type Query struct {
	Text       string
	Page       int
	Limit      int
	SafeSearch bool
}

// SearchResponse is one provider's answer from one endpoint
type SearchResponse struct {
	Results   []SearchResult `json:"results"`
	Provider  string         `json:"provider"`
	Endpoint  string         `json:"endpoint"`
	Timestamp time.Time      `json:"timestamp"`
}

// SearchProvider is implemented by every source adapter
type SearchProvider interface {
	GetName() string
	IsAvailable() bool
	// Endpoints lists the provider's endpoints in the order they should be tried
	Endpoints() []string
	Search(ctx context.Context, logger *logrus.Logger, endpoint string, q Query) (*SearchResponse, error)
}

// SuggestionProvider is implemented by adapters that offer query completions
type SuggestionProvider interface {
	Suggest(ctx context.Context, logger *logrus.Logger, query string) ([]string, error)
}

// Fetcher is the subset of transport.Client that adapters need
type Fetcher interface {
	Request(ctx context.Context, rawURL string, cfg transport.RequestConfig) ([]byte, error)
}

// NewResponse wraps results from endpoint
func NewResponse(provider, endpoint string, results []SearchResult) *SearchResponse {
	if results == nil {
		results = []SearchResult{}
	}
	return &SearchResponse{
		Results:   results,
		Provider:  provider,
		Endpoint:  endpoint,
		Timestamp: time.Now(),
	}
}

// Count clamps the requested limit to [1, maxCount]
func (q Query) Count(maxCount int) int {
	switch {
	case q.Limit < 1:
		return min(10, maxCount)
	case q.Limit > maxCount:
		return maxCount
	default:
		return q.Limit
	}
}

// PageNumber returns the 1-based page
func (q Query) PageNumber() int {
	return max(q.Page, 1)
}
