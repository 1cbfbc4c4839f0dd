package kagi

import (
	"context"
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
	// SearchURL is the Kagi Search API endpoint
	SearchURL = "https://kagi.com/api/v0/search"

	maxLimit = 25
)

var fields = internetsearch.Fields{
	Title:     []string{"title"},
	URL:       []string{"url"},
	Snippet:   []string{"snippet", "description"},
	Thumbnail: []string{"thumbnail.url"},
	Score:     []string{"score"},
	Rank:      []string{"rank"},
	Meta:      map[string]string{"published": "published"},
}

// KagiProvider queries the Kagi Search API
type KagiProvider struct {
	apiKey   string
	fetcher  internetsearch.Fetcher
	norm     *internetsearch.Normaliser
	endpoint string
}

// NewKagiProvider returns nil when no API key is configured
func NewKagiProvider(apiKey string, fetcher internetsearch.Fetcher, norm *internetsearch.Normaliser) *KagiProvider {
	if apiKey == "" {
		return nil
	}
	return &KagiProvider{
		apiKey:   apiKey,
		fetcher:  fetcher,
		norm:     norm,
		endpoint: SearchURL,
	}
}

// GetName returns the provider name
func (p *KagiProvider) GetName() string {
	return "kagi"
}

// IsAvailable checks if the provider is available
func (p *KagiProvider) IsAvailable() bool {
	return p != nil && p.apiKey != ""
}

// Endpoints returns the search endpoint
func (p *KagiProvider) Endpoints() []string {
	return []string{p.endpoint}
}

// Search executes a web search. Kagi has no paging, so later pages are
// served from the aggregated set.
func (p *KagiProvider) Search(ctx context.Context, logger *logrus.Logger, endpoint string, q internetsearch.Query) (*internetsearch.SearchResponse, error) {
	limit := q.Count(maxLimit)

	params := url.Values{}
	params.Set("q", q.Text)
	params.Set("limit", strconv.Itoa(limit))

	body, err := p.fetcher.Request(ctx, endpoint, transport.RequestConfig{
		Headers: http.Header{
			"Accept":        {"application/json"},
			"Authorization": {"Bot " + p.apiKey},
		},
		Params: params,
		Cache:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("kagi search failed: %w", err)
	}

	if msg := gjson.GetBytes(body, "error.0.msg"); msg.Exists() {
		return nil, searcherr.New(searcherr.KindRejected, endpoint, "kagi API error: "+msg.String())
	}

	// t=0 are search results; t=1 are related searches
	items := gjson.GetBytes(body, "data.#(t==0)#").Array()
	results := p.norm.FromJSON(p.GetName(), items, fields)

	logger.WithFields(logrus.Fields{
		"provider":     "kagi",
		"result_count": len(results),
	}).Debug("Kagi search completed")

	return internetsearch.NewResponse(p.GetName(), endpoint, results), nil
}
