package duckduckgo

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/sammcj/privsearch/internal/searcherr"
	"github.com/sammcj/privsearch/internal/tools/internetsearch"
	"github.com/sammcj/privsearch/internal/transport"
)

const (
	// HTMLURL is the JavaScript-free results page
	HTMLURL = "https://html.duckduckgo.com/html/"
	// LiteURL is the table-based lite results page, used when the HTML page fails
	LiteURL = "https://lite.duckduckgo.com/lite/"
	// SuggestURL serves autocomplete suggestions
	SuggestURL = "https://duckduckgo.com/ac/"

	maxCount = 30
	pageSize = 30
)

// layout describes where results live in one of the result pages
type layout struct {
	result  string
	link    string
	snippet string
}

var (
	htmlLayout = layout{result: ".result", link: ".result__title a", snippet: ".result__snippet"}
	liteLayout = layout{result: "tr", link: "a.result-link", snippet: "td.result-snippet"}
)

// DuckDuckGoProvider scrapes DuckDuckGo's HTML endpoints. No API key is needed.
type DuckDuckGoProvider struct {
	fetcher    internetsearch.Fetcher
	norm       *internetsearch.Normaliser
	endpoints  []string
	suggestURL string
}

// NewDuckDuckGoProvider creates the provider with the HTML and lite endpoints
func NewDuckDuckGoProvider(fetcher internetsearch.Fetcher, norm *internetsearch.Normaliser) *DuckDuckGoProvider {
	return &DuckDuckGoProvider{
		fetcher:    fetcher,
		norm:       norm,
		endpoints:  []string{HTMLURL, LiteURL},
		suggestURL: SuggestURL,
	}
}

// GetName returns the provider name
func (p *DuckDuckGoProvider) GetName() string {
	return "duckduckgo"
}

// IsAvailable checks if the provider is available
func (p *DuckDuckGoProvider) IsAvailable() bool {
	return p != nil
}

// Endpoints returns the HTML endpoint followed by the lite endpoint
func (p *DuckDuckGoProvider) Endpoints() []string {
	return append([]string(nil), p.endpoints...)
}

// Search posts the query form to endpoint and scrapes the result page
func (p *DuckDuckGoProvider) Search(ctx context.Context, logger *logrus.Logger, endpoint string, q internetsearch.Query) (*internetsearch.SearchResponse, error) {
	count := q.Count(maxCount)

	form := url.Values{}
	form.Set("q", q.Text)
	form.Set("b", "")
	form.Set("kl", "")
	if offset := (q.PageNumber() - 1) * pageSize; offset > 0 {
		form.Set("s", strconv.Itoa(offset))
		form.Set("dc", strconv.Itoa(offset+1))
	}
	if q.SafeSearch {
		form.Set("kp", "1")
	} else {
		form.Set("kp", "-2")
	}

	logger.WithFields(logrus.Fields{
		"provider": "duckduckgo",
		"endpoint": endpoint,
		"count":    count,
	}).Debug("DuckDuckGo search parameters")

	body, err := p.fetcher.Request(ctx, endpoint, transport.RequestConfig{
		Method: http.MethodPost,
		Headers: http.Header{
			"Content-Type":    {"application/x-www-form-urlencoded"},
			"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			"Accept-Language": {"en-GB,en;q=0.9"},
		},
		Body: []byte(form.Encode()),
	})
	if err != nil {
		return nil, fmt.Errorf("duckduckgo search failed: %w", err)
	}

	l := htmlLayout
	if strings.Contains(endpoint, "lite.") {
		l = liteLayout
	}
	candidates, err := parse(body, l, count)
	if err != nil {
		return nil, searcherr.Wrap(searcherr.KindServer, endpoint, fmt.Errorf("failed to parse HTML response: %w", err))
	}

	if len(candidates) == 0 && isChallenge(body) {
		return nil, searcherr.New(searcherr.KindRateLimit, endpoint, "rate limit exceeded: DuckDuckGo served a bot challenge")
	}

	results := make([]internetsearch.SearchResult, 0, len(candidates))
	for i, c := range candidates {
		if r, ok := p.norm.Result(p.GetName(), i+1, c); ok {
			results = append(results, r)
		}
	}

	logger.WithFields(logrus.Fields{
		"provider":     "duckduckgo",
		"endpoint":     endpoint,
		"result_count": len(results),
	}).Debug("DuckDuckGo search completed")

	return internetsearch.NewResponse(p.GetName(), endpoint, results), nil
}

// Suggest returns autocomplete suggestions for query
func (p *DuckDuckGoProvider) Suggest(ctx context.Context, logger *logrus.Logger, query string) ([]string, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("type", "list")

	body, err := p.fetcher.Request(ctx, p.suggestURL, transport.RequestConfig{
		Headers: http.Header{"Accept": {"application/json"}},
		Params:  params,
		Cache:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("duckduckgo suggestions failed: %w", err)
	}

	// the list form is ["query", ["suggestion", ...]]
	var out []string
	for _, s := range gjson.GetBytes(body, "1").Array() {
		if v := strings.TrimSpace(s.String()); v != "" {
			out = append(out, v)
		}
	}

	logger.WithFields(logrus.Fields{
		"provider": "duckduckgo",
		"count":    len(out),
	}).Debug("DuckDuckGo suggestions fetched")
	return out, nil
}

func parse(body []byte, l layout, count int) ([]internetsearch.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var candidates []internetsearch.Candidate
	doc.Find(l.result).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find(l.link).First()
		if link.Length() == 0 {
			return true
		}
		href, ok := link.Attr("href")
		if !ok {
			return true
		}
		// Skip ad results
		if strings.Contains(href, "y.js") {
			return true
		}

		snippet := s.Find(l.snippet).First()
		if snippet.Length() == 0 && l.result == liteLayout.result {
			// the lite page puts the snippet in the following row
			snippet = s.Next().Find(l.snippet).First()
		}

		candidates = append(candidates, internetsearch.Candidate{
			Title:   link.Text(),
			URL:     unwrapRedirect(href),
			Snippet: snippet.Text(),
		})
		return len(candidates) < count
	})
	return candidates, nil
}

// unwrapRedirect extracts the target from DuckDuckGo's /l/?uddg= redirect links
func unwrapRedirect(href string) string {
	if !strings.Contains(href, "duckduckgo.com/l/") {
		return href
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func isChallenge(body []byte) bool {
	return bytes.Contains(body, []byte("anomaly-modal")) ||
		bytes.Contains(body, []byte("challenge-form")) ||
		bytes.Contains(body, []byte("Unfortunately, bots use DuckDuckGo too"))
}
