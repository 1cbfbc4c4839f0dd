package aggregator

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"github.com/sammcj/privsearch/internal/tools/internetsearch"
)

// NormaliseQuery trims, collapses whitespace and case-folds q
func NormaliseQuery(q string) string {
	return cases.Fold().String(strings.Join(strings.Fields(q), " "))
}

// domainClass returns the configured entry that domain belongs to, matching
// the entry itself and any of its subdomains.
func domainClass(domain string, entries []string) (string, bool) {
	for _, e := range entries {
		if domain == e || strings.HasSuffix(domain, "."+e) {
			return e, true
		}
	}
	return "", false
}

// ranker orders, deduplicates and caps a merged result list
type ranker struct {
	diverse         map[string]bool
	overRepresented []string
	domainCap       int
	overCap         int
}

func newRanker(diverseSources, overRepresented []string, domainCap, overCap int) *ranker {
	r := &ranker{
		diverse:   make(map[string]bool, len(diverseSources)),
		domainCap: domainCap,
		overCap:   overCap,
	}
	for _, s := range diverseSources {
		r.diverse[strings.ToLower(s)] = true
	}
	for _, d := range overRepresented {
		if d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www."); d != "" {
			r.overRepresented = append(r.overRepresented, d)
		}
	}
	return r
}

// apply ranks results, then keeps the first occurrence of each URL and at
// most domainCap results per domain. The input is not modified.
func (r *ranker) apply(results []internetsearch.SearchResult, exclude []string) []internetsearch.SearchResult {
	ranked := make([]internetsearch.SearchResult, 0, len(results))
	for _, res := range results {
		if _, excluded := domainClass(res.Domain, exclude); excluded {
			continue
		}
		ranked = append(ranked, res)
	}
	r.sort(ranked)

	seen := make(map[string]bool, len(ranked))
	perDomain := make(map[string]int)
	out := ranked[:0]
	for _, res := range ranked {
		if seen[res.URL] {
			continue
		}
		key, limit := res.Domain, r.domainCap
		if class, ok := domainClass(res.Domain, r.overRepresented); ok {
			key, limit = class, r.overCap
		}
		if perDomain[key] >= limit {
			continue
		}
		seen[res.URL] = true
		perDomain[key]++
		out = append(out, res)
	}
	return out
}

// sort is stable: diverse sources first, over-represented domains last,
// then descending score
func (r *ranker) sort(results []internetsearch.SearchResult) {
	slices.SortStableFunc(results, func(a, b internetsearch.SearchResult) int {
		if da, db := r.diverse[a.Source], r.diverse[b.Source]; da != db {
			if da {
				return -1
			}
			return 1
		}
		_, oa := domainClass(a.Domain, r.overRepresented)
		_, ob := domainClass(b.Domain, r.overRepresented)
		if oa != ob {
			if oa {
				return 1
			}
			return -1
		}
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
}

// paginate returns the page slice of results and whether more remain. Pages
// past the end are empty; the bound is checked before multiplying so huge
// page numbers cannot overflow the offset.
func paginate(results []internetsearch.SearchResult, page, limit int) ([]internetsearch.SearchResult, bool) {
	if page < 1 || limit < 1 || len(results) == 0 || page-1 > (len(results)-1)/limit {
		return []internetsearch.SearchResult{}, false
	}
	start := (page - 1) * limit
	if start >= len(results) {
		return []internetsearch.SearchResult{}, false
	}
	end := min(start+limit, len(results))
	return slices.Clone(results[start:end]), end < len(results)
}
