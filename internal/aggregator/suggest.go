package aggregator

import (
	"context"
	"slices"
	"strings"

	"github.com/sahilm/fuzzy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/search"

	"github.com/sammcj/privsearch/internal/tools/internetsearch"
)

const (
	maxSuggestions = 8
	maxRecent      = 100
)

// remember records a query that produced results, most recent first
func (a *Aggregator) remember(normalised string) {
	a.recentMu.Lock()
	defer a.recentMu.Unlock()

	if i := slices.Index(a.recent, normalised); i >= 0 {
		a.recent = slices.Delete(a.recent, i, i+1)
	}
	a.recent = slices.Insert(a.recent, 0, normalised)
	if len(a.recent) > maxRecent {
		a.recent = a.recent[:maxRecent]
	}
}

// localSuggestions matches query against recent queries: substring matches
// first, in recency order, then fuzzy matches by score
func (a *Aggregator) localSuggestions(query string, n int) []string {
	a.recentMu.Lock()
	recent := slices.Clone(a.recent)
	a.recentMu.Unlock()

	out := make([]string, 0, n)
	if query == "" || len(recent) == 0 {
		return out
	}

	m := search.New(language.Und, search.IgnoreCase, search.IgnoreDiacritics)
	for _, r := range recent {
		if len(out) == n {
			return out
		}
		if r == query {
			continue
		}
		if start, _ := m.IndexString(r, query); start >= 0 {
			out = append(out, r)
		}
	}

	for _, match := range fuzzy.Find(query, recent) {
		if len(out) == n {
			break
		}
		if match.Str == query || slices.Contains(out, match.Str) {
			continue
		}
		out = append(out, match.Str)
	}
	return out
}

// Suggestions returns up to eight completions for query: provider suggestions
// in priority order, then matches from recent queries. Provider failures are
// logged and skipped.
func (a *Aggregator) Suggestions(ctx context.Context, query string) []string {
	text := strings.Join(strings.Fields(query), " ")
	if text == "" {
		return []string{}
	}
	normalised := NormaliseQuery(text)

	var suggesters []internetsearch.SearchProvider
	for _, p := range a.providers {
		if _, ok := p.(internetsearch.SuggestionProvider); ok {
			suggesters = append(suggesters, p)
		}
	}

	lists := make([][]string, len(suggesters))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range suggesters {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, a.cfg.ProviderTimeout)
			defer cancel()
			got, err := p.(internetsearch.SuggestionProvider).Suggest(pctx, a.logger, text)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"provider": p.GetName(),
				}).WithError(err).Debug("Suggestion source failed")
				return nil
			}
			lists[i] = got
			return nil
		})
	}
	_ = g.Wait()

	seen := map[string]bool{normalised: true}
	out := make([]string, 0, maxSuggestions)
	add := func(s string) {
		key := NormaliseQuery(s)
		if key == "" || seen[key] || len(out) == maxSuggestions {
			return
		}
		seen[key] = true
		out = append(out, s)
	}

	for _, list := range lists {
		for _, s := range list {
			add(s)
		}
	}
	for _, s := range a.localSuggestions(normalised, maxSuggestions) {
		add(s)
	}
	return out
}
