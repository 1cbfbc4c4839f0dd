package google

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
	// CustomSearchURL is the Google Custom Search JSON API endpoint
	CustomSearchURL = "https://www.googleapis.com/customsearch/v1"

	// the API never returns more than 10 items per call
	maxNum = 10
)

var fields = internetsearch.Fields{
	Title:     []string{"title", "htmlTitle"},
	URL:       []string{"link"},
	Snippet:   []string{"snippet", "htmlSnippet"},
	Thumbnail: []string{"pagemap.cse_thumbnail.0.src", "pagemap.cse_image.0.src"},
	Meta:      map[string]string{"display_link": "displayLink"},
}

// GoogleProvider queries a Google Programmable Search Engine
type GoogleProvider struct {
	apiKey   string
	cx       string
	fetcher  internetsearch.Fetcher
	norm     *internetsearch.Normaliser
	endpoint string
}

// NewGoogleProvider returns nil unless both the API key and engine ID are set
func NewGoogleProvider(apiKey, cx string, fetcher internetsearch.Fetcher, norm *internetsearch.Normaliser) *GoogleProvider {
	if apiKey == "" || cx == "" {
		return nil
	}
	return &GoogleProvider{
		apiKey:   apiKey,
		cx:       cx,
		fetcher:  fetcher,
		norm:     norm,
		endpoint: CustomSearchURL,
	}
}

// GetName returns the provider name
func (p *GoogleProvider) GetName() string {
	return "google"
}

// IsAvailable checks if the provider is available
func (p *GoogleProvider) IsAvailable() bool {
	return p != nil && p.apiKey != "" && p.cx != ""
}

// Endpoints returns the Custom Search endpoint
func (p *GoogleProvider) Endpoints() []string {
	return []string{p.endpoint}
}

// Search executes a web search
func (p *GoogleProvider) Search(ctx context.Context, logger *logrus.Logger, endpoint string, q internetsearch.Query) (*internetsearch.SearchResponse, error) {
	num := q.Count(maxNum)

	params := url.Values{}
	params.Set("key", p.apiKey)
	params.Set("cx", p.cx)
	params.Set("q", q.Text)
	params.Set("num", strconv.Itoa(num))
	if start := (q.PageNumber()-1)*num + 1; start > 1 {
		params.Set("start", strconv.Itoa(start))
	}
	if q.SafeSearch {
		params.Set("safe", "active")
	}

	body, err := p.fetcher.Request(ctx, endpoint, transport.RequestConfig{
		Headers: http.Header{"Accept": {"application/json"}},
		Params:  params,
		Cache:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("google search failed: %w", err)
	}

	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return nil, searcherr.New(searcherr.KindRejected, endpoint, "google API error: "+msg.String())
	}

	items := gjson.GetBytes(body, "items").Array()
	results := p.norm.FromJSON(p.GetName(), items, fields)

	logger.WithFields(logrus.Fields{
		"provider":      "google",
		"result_count":  len(results),
		"total_results": gjson.GetBytes(body, "searchInformation.totalResults").String(),
	}).Debug("Google search completed")

	return internetsearch.NewResponse(p.GetName(), endpoint, results), nil
}
