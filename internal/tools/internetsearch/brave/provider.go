package brave

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/sammcj/privsearch/internal/searcherr"
	"github.com/sammcj/privsearch/internal/tools/internetsearch"
	"github.com/sammcj/privsearch/internal/transport"
)

const (
	// WebSearchURL is the Brave Search API web endpoint
	WebSearchURL = "https://api.search.brave.com/res/v1/web/search"

	maxCount  = 20
	maxOffset = 9
)

var fields = internetsearch.Fields{
	Title:     []string{"title"},
	URL:       []string{"url"},
	Snippet:   []string{"description", "extra_snippets.0", "snippet"},
	Thumbnail: []string{"thumbnail.src", "thumbnail.original"},
	Score:     []string{"score"},
	Rank:      []string{"rank"},
	Meta:      map[string]string{"age": "age", "language": "language"},
}

// BraveProvider queries the Brave Search API
type BraveProvider struct {
	apiKey   string
	fetcher  internetsearch.Fetcher
	norm     *internetsearch.Normaliser
	endpoint string
}

// NewBraveProvider returns nil when no API key is configured
func NewBraveProvider(apiKey string, fetcher internetsearch.Fetcher, norm *internetsearch.Normaliser) *BraveProvider {
	if apiKey == "" {
		return nil
	}
	return &BraveProvider{
		apiKey:   apiKey,
		fetcher:  fetcher,
		norm:     norm,
		endpoint: WebSearchURL,
	}
}

// GetName returns the provider name
func (p *BraveProvider) GetName() string {
	return "brave"
}

// IsAvailable checks if the provider is available
func (p *BraveProvider) IsAvailable() bool {
	return p != nil && p.apiKey != ""
}

// Endpoints returns the single web search endpoint
func (p *BraveProvider) Endpoints() []string {
	return []string{p.endpoint}
}

// Search executes a web search against endpoint
func (p *BraveProvider) Search(ctx context.Context, logger *logrus.Logger, endpoint string, q internetsearch.Query) (*internetsearch.SearchResponse, error) {
	count := q.Count(maxCount)
	offset := min(q.PageNumber()-1, maxOffset)

	params := url.Values{}
	params.Set("q", q.Text)
	params.Set("count", strconv.Itoa(count))
	params.Set("offset", strconv.Itoa(offset))
	if q.SafeSearch {
		params.Set("safesearch", "strict")
	} else {
		params.Set("safesearch", "moderate")
	}

	logger.WithFields(logrus.Fields{
		"provider": "brave",
		"count":    count,
		"offset":   offset,
	}).Debug("Brave search parameters")

	// Go's transport negotiates gzip itself, so Accept-Encoding is left unset
	body, err := p.fetcher.Request(ctx, endpoint, transport.RequestConfig{
		Headers: http.Header{
			"Accept":               {"application/json"},
			"X-Subscription-Token": {p.apiKey},
		},
		Params: params,
		Cache:  true,
	})
	if err != nil {
		return nil, describeError(err)
	}

	if !gjson.ValidBytes(body) {
		return nil, searcherr.New(searcherr.KindServer, endpoint, "brave returned a non-JSON response")
	}
	items := gjson.GetBytes(body, "web.results").Array()
	results := p.norm.FromJSON(p.GetName(), items, fields)

	logger.WithFields(logrus.Fields{
		"provider":     "brave",
		"result_count": len(results),
		"dropped":      len(items) - len(results),
	}).Debug("Brave search completed")

	return internetsearch.NewResponse(p.GetName(), endpoint, results), nil
}

// describeError adds the API-specific explanation for common statuses
func describeError(err error) error {
	var se *searcherr.Error
	if errors.As(err, &se) {
		switch se.Status {
		case http.StatusUnauthorized:
			return fmt.Errorf("authentication failed: invalid API key: %w", err)
		case http.StatusForbidden:
			return fmt.Errorf("access forbidden: check your API key and subscription plan: %w", err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("rate limit exceeded: please wait before making more requests: %w", err)
		}
	}
	return fmt.Errorf("brave search failed: %w", err)
}
