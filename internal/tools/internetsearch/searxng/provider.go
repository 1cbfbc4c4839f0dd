package searxng

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/sammcj/privsearch/internal/searcherr"
	"github.com/sammcj/privsearch/internal/tools/internetsearch"
	"github.com/sammcj/privsearch/internal/transport"
)

var fields = internetsearch.Fields{
	Title:     []string{"title"},
	URL:       []string{"url"},
	Snippet:   []string{"content", "snippet", "description"},
	Thumbnail: []string{"thumbnail", "img_src"},
	Score:     []string{"score"},
	Meta:      map[string]string{"engine": "engine", "published": "publishedDate", "category": "category"},
}

// SearXNGProvider queries one or more SearXNG instances; each instance is an endpoint
type SearXNGProvider struct {
	instances []string
	username  string
	password  string
	fetcher   internetsearch.Fetcher
	norm      *internetsearch.Normaliser
}

// NewSearXNGProvider returns nil when no instance URL is configured
func NewSearXNGProvider(instances []string, username, password string, fetcher internetsearch.Fetcher, norm *internetsearch.Normaliser) *SearXNGProvider {
	var endpoints []string
	for _, base := range instances {
		base = strings.TrimSuffix(strings.TrimSpace(base), "/")
		if base == "" {
			continue
		}
		endpoints = append(endpoints, base+"/search")
	}
	if len(endpoints) == 0 {
		return nil
	}
	return &SearXNGProvider{
		instances: endpoints,
		username:  username,
		password:  password,
		fetcher:   fetcher,
		norm:      norm,
	}
}

// GetName returns the provider name
func (p *SearXNGProvider) GetName() string {
	return "searxng"
}

// IsAvailable checks if the provider is available
func (p *SearXNGProvider) IsAvailable() bool {
	return p != nil && len(p.instances) > 0
}

// Endpoints returns the instance search URLs in configured order
func (p *SearXNGProvider) Endpoints() []string {
	return append([]string(nil), p.instances...)
}

// Search executes a general-category search against one instance
func (p *SearXNGProvider) Search(ctx context.Context, logger *logrus.Logger, endpoint string, q internetsearch.Query) (*internetsearch.SearchResponse, error) {
	params := url.Values{}
	params.Set("q", q.Text)
	params.Set("format", "json")
	params.Set("pageno", strconv.Itoa(q.PageNumber()))
	params.Set("categories", "general")
	if q.SafeSearch {
		params.Set("safesearch", "2")
	} else {
		params.Set("safesearch", "0")
	}

	header := http.Header{"Accept": {"application/json"}}
	// Add basic authentication if credentials are provided
	if p.username != "" && p.password != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(p.username + ":" + p.password))
		header.Set("Authorization", "Basic "+auth)
	}

	logger.WithFields(logrus.Fields{
		"provider": "searxng",
		"endpoint": endpoint,
		"pageno":   q.PageNumber(),
	}).Debug("SearXNG search parameters")

	body, err := p.fetcher.Request(ctx, endpoint, transport.RequestConfig{
		Headers: header,
		Params:  params,
		Cache:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("searxng search failed: %w", err)
	}

	if !gjson.ValidBytes(body) {
		// instances with the JSON format disabled answer with an HTML page
		return nil, searcherr.New(searcherr.KindRejected, endpoint, "searxng instance did not return JSON; is format=json enabled?")
	}

	items := gjson.GetBytes(body, "results").Array()
	limit := q.Count(len(items) + 1)
	if len(items) > limit {
		items = items[:limit]
	}
	results := p.norm.FromJSON(p.GetName(), items, fields)

	logger.WithFields(logrus.Fields{
		"provider":     "searxng",
		"endpoint":     endpoint,
		"result_count": len(results),
	}).Debug("SearXNG search completed")

	return internetsearch.NewResponse(p.GetName(), endpoint, results), nil
}
