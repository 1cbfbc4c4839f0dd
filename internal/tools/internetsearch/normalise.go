package internetsearch

import (
	"encoding/json"
	"html"
	"math/rand/v2"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

var (
	htmlTagRegex    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRegex = regexp.MustCompile(`\s+`)

	// substrings that mark an unrendered template or a serialisation bug upstream
	placeholderMarkers = []string{"{{", "}}", "${", "[object Object]"}
	placeholderValues  = map[string]bool{"undefined": true, "null": true, "nan": true}
)

// Fields lists the gjson paths tried, in order, for each result field
type Fields struct {
	Title     []string
	URL       []string
	Snippet   []string
	Thumbnail []string
	Score     []string
	Rank      []string
	// Meta copies scalar values into metadata, keyed by metadata name
	Meta map[string]string
}

// DefaultFields covers the common shapes: snippet, then description, then content
var DefaultFields = Fields{
	Title:     []string{"title", "name"},
	URL:       []string{"url", "link", "href"},
	Snippet:   []string{"snippet", "description", "content"},
	Thumbnail: []string{"thumbnail.src", "thumbnail.url", "thumbnail", "img_src"},
	Score:     []string{"score"},
	Rank:      []string{"rank"},
}

// Candidate is a provider result before validation
type Candidate struct {
	Title     string
	URL       string
	Snippet   string
	Thumbnail string
	Score     float64
	Rank      float64
	Raw       json.RawMessage
	Extra     map[string]any
}

// Normaliser turns candidates into SearchResults. Its random source only
// fills in relevance for results that carry neither score nor rank.
type Normaliser struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewNormaliser creates a normaliser; seed 0 picks a random seed
func NewNormaliser(seed uint64) *Normaliser {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Normaliser{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Relevance returns score, else rank, else a random value in [0,1)
func (n *Normaliser) Relevance(score, rank float64) float64 {
	if score > 0 {
		return score
	}
	if rank > 0 {
		return rank
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rnd.Float64()
}

// Result validates c and builds the normalised result. It reports false when
// the candidate has no usable absolute URL or contains placeholder text.
func (n *Normaliser) Result(source string, position int, c Candidate) (SearchResult, bool) {
	title := CleanText(c.Title)
	snippet := CleanText(c.Snippet)
	if HasPlaceholder(title, snippet, c.URL) {
		return SearchResult{}, false
	}

	canonical, ok := CanonicalURL(c.URL)
	if !ok {
		return SearchResult{}, false
	}
	if title == "" {
		title = canonical
	}

	thumb := ""
	if t, ok := CanonicalURL(c.Thumbnail); ok {
		thumb = t
	}

	metadata := make(map[string]any, len(c.Extra)+2)
	for k, v := range c.Extra {
		metadata[k] = v
	}
	metadata["position"] = position
	if len(c.Raw) > 0 {
		metadata["raw"] = c.Raw
	}

	return SearchResult{
		ID:        ResultID(source, canonical, position),
		Title:     title,
		URL:       canonical,
		Snippet:   snippet,
		Domain:    Domain(canonical),
		Score:     n.Relevance(c.Score, c.Rank),
		Source:    source,
		Thumbnail: thumb,
		Metadata:  metadata,
	}, true
}

// FromJSON normalises a list of JSON objects using the field chains in f.
// Positions are 1-based over the input, so dropped items leave gaps.
func (n *Normaliser) FromJSON(source string, items []gjson.Result, f Fields) []SearchResult {
	results := make([]SearchResult, 0, len(items))
	for i, item := range items {
		var extra map[string]any
		for key, path := range f.Meta {
			if v := Extract(item, path); v != "" {
				if extra == nil {
					extra = make(map[string]any, len(f.Meta))
				}
				extra[key] = v
			}
		}
		c := Candidate{
			Title:     Extract(item, f.Title...),
			URL:       Extract(item, f.URL...),
			Snippet:   Extract(item, f.Snippet...),
			Thumbnail: Extract(item, f.Thumbnail...),
			Score:     ExtractNumber(item, f.Score...),
			Rank:      ExtractNumber(item, f.Rank...),
			Raw:       json.RawMessage(item.Raw),
			Extra:     extra,
		}
		if r, ok := n.Result(source, i+1, c); ok {
			results = append(results, r)
		}
	}
	return results
}

// Unwrap follows nested {"value": ...} wrappers down to the innermost value
func Unwrap(v gjson.Result) gjson.Result {
	for v.IsObject() {
		inner := v.Get("value")
		if !inner.Exists() {
			break
		}
		v = inner
	}
	return v
}

// Extract returns the first non-empty scalar found at paths
func Extract(item gjson.Result, paths ...string) string {
	for _, p := range paths {
		v := Unwrap(item.Get(p))
		switch v.Type {
		case gjson.String, gjson.Number:
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// ExtractNumber returns the first numeric value found at paths, or 0
func ExtractNumber(item gjson.Result, paths ...string) float64 {
	for _, p := range paths {
		v := Unwrap(item.Get(p))
		switch v.Type {
		case gjson.Number:
			return v.Float()
		case gjson.String:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

// HasPlaceholder reports whether any value contains unresolved template text
func HasPlaceholder(values ...string) bool {
	for _, v := range values {
		if placeholderValues[strings.ToLower(strings.TrimSpace(v))] {
			return true
		}
		for _, m := range placeholderMarkers {
			if strings.Contains(v, m) {
				return true
			}
		}
	}
	return false
}

// CanonicalURL returns the comparable form of an absolute http(s) URL:
// lowercase scheme and host, default port and fragment removed.
func CanonicalURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, " \t\n") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	return u.String(), true
}

// Domain returns the lowercase host of rawURL without a leading "www."
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// ResultID derives a stable identity from source, URL and position
func ResultID(source, rawURL string, position int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+"|"+rawURL+"|"+strconv.Itoa(position))).String()
}

// CleanText decodes HTML entities, strips tags and normalises whitespace
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	decoded := html.UnescapeString(s)
	decoded = htmlTagRegex.ReplaceAllString(decoded, "")
	// a second pass catches entities that were double-escaped upstream
	decoded = html.UnescapeString(decoded)
	return normaliseText(decoded)
}

// normaliseText removes problematic Unicode and normalises whitespace
func normaliseText(s string) string {
	var cleaned strings.Builder
	for _, r := range s {
		if unicode.IsPrint(r) && (r < 127 || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)) {
			cleaned.WriteRune(r)
		} else if unicode.IsSpace(r) {
			cleaned.WriteRune(' ')
		}
	}
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(cleaned.String(), " "))
}
