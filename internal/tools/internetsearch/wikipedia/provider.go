package wikipedia

import (
	"context"
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

const maxLimit = 50

// WikipediaProvider queries the MediaWiki search API of one language edition
type WikipediaProvider struct {
	language string
	apiURL   string
	fetcher  internetsearch.Fetcher
	norm     *internetsearch.Normaliser
}

// NewWikipediaProvider creates a provider for language, defaulting to "en"
func NewWikipediaProvider(language string, fetcher internetsearch.Fetcher, norm *internetsearch.Normaliser) *WikipediaProvider {
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		language = "en"
	}
	return &WikipediaProvider{
		language: language,
		apiURL:   "https://" + language + ".wikipedia.org/w/api.php",
		fetcher:  fetcher,
		norm:     norm,
	}
}

// GetName returns the provider name
func (p *WikipediaProvider) GetName() string {
	return "wikipedia"
}

// IsAvailable checks if the provider is available
func (p *WikipediaProvider) IsAvailable() bool {
	return p != nil
}

// Endpoints returns the API endpoint
func (p *WikipediaProvider) Endpoints() []string {
	return []string{p.apiURL}
}

// Search runs a full-text article search
func (p *WikipediaProvider) Search(ctx context.Context, logger *logrus.Logger, endpoint string, q internetsearch.Query) (*internetsearch.SearchResponse, error) {
	limit := q.Count(maxLimit)

	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "search")
	params.Set("srsearch", q.Text)
	params.Set("format", "json")
	params.Set("srlimit", strconv.Itoa(limit))
	params.Set("sroffset", strconv.Itoa((q.PageNumber()-1)*limit))
	params.Set("srprop", "snippet|timestamp|wordcount")

	body, err := p.fetcher.Request(ctx, endpoint, transport.RequestConfig{
		Headers: http.Header{"Accept": {"application/json"}},
		Params:  params,
		Cache:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("wikipedia search failed: %w", err)
	}
	if msg := gjson.GetBytes(body, "error.info"); msg.Exists() {
		return nil, searcherr.New(searcherr.KindRejected, endpoint, "wikipedia API error: "+msg.String())
	}

	items := gjson.GetBytes(body, "query.search").Array()
	results := make([]internetsearch.SearchResult, 0, len(items))
	for i, item := range items {
		title := item.Get("title").String()
		c := internetsearch.Candidate{
			Title:   title,
			URL:     p.articleURL(endpoint, title),
			Snippet: item.Get("snippet").String(),
			Extra: map[string]any{
				"language":  p.language,
				"wordcount": item.Get("wordcount").Int(),
				"timestamp": item.Get("timestamp").String(),
			},
		}
		if r, ok := p.norm.Result(p.GetName(), i+1, c); ok {
			results = append(results, r)
		}
	}

	logger.WithFields(logrus.Fields{
		"provider":     "wikipedia",
		"language":     p.language,
		"result_count": len(results),
	}).Debug("Wikipedia search completed")

	return internetsearch.NewResponse(p.GetName(), endpoint, results), nil
}

// Suggest returns article titles that complete query
func (p *WikipediaProvider) Suggest(ctx context.Context, logger *logrus.Logger, query string) ([]string, error) {
	params := url.Values{}
	params.Set("action", "opensearch")
	params.Set("search", query)
	params.Set("limit", "10")
	params.Set("namespace", "0")
	params.Set("format", "json")

	body, err := p.fetcher.Request(ctx, p.apiURL, transport.RequestConfig{
		Headers: http.Header{"Accept": {"application/json"}},
		Params:  params,
		Cache:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("wikipedia suggestions failed: %w", err)
	}

	var out []string
	for _, s := range gjson.GetBytes(body, "1").Array() {
		if v := strings.TrimSpace(s.String()); v != "" {
			out = append(out, v)
		}
	}
	logger.WithField("count", len(out)).Debug("Wikipedia suggestions fetched")
	return out, nil
}

// articleURL builds the article link on the same host as the API endpoint
func (p *WikipediaProvider) articleURL(endpoint, title string) string {
	base := "https://" + p.language + ".wikipedia.org"
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		base = u.Scheme + "://" + u.Host
	}
	return base + "/wiki/" + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
}
