package brave

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammcj/privsearch/internal/retry"
	"github.com/sammcj/privsearch/internal/searcherr"
	"github.com/sammcj/privsearch/internal/tools/internetsearch"
	"github.com/sammcj/privsearch/internal/transport"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newProvider(t *testing.T) *BraveProvider {
	t.Helper()
	fetcher := transport.NewDirect(http.DefaultClient, nil, retry.Policy{}, testLogger(), transport.WithDefaults(2*time.Second, 0))
	p := NewBraveProvider("test-key", fetcher, internetsearch.NewNormaliser(1))
	require.NotNil(t, p)
	return p
}

func TestNewBraveProvider_NoKey(t *testing.T) {
	p := NewBraveProvider("", nil, nil)
	assert.Nil(t, p)
	assert.False(t, p.IsAvailable())
}

func TestSearch_ParsesWebResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		assert.Equal(t, "5", r.URL.Query().Get("count"))
		assert.Equal(t, "1", r.URL.Query().Get("offset"))
		assert.Equal(t, "strict", r.URL.Query().Get("safesearch"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"web":{"results":[
			{"title":"The Go Programming Language","url":"https://go.dev/","description":"Build <strong>simple</strong> software","age":"1 day"},
			{"title":"Broken","url":"/relative"},
			{"title":"Tour","url":"https://go.dev/tour/","extra_snippets":["An interactive tour"]}
		]}}`)
	}))
	defer srv.Close()

	p := newProvider(t)
	resp, err := p.Search(context.Background(), testLogger(), srv.URL, internetsearch.Query{Text: "golang", Page: 2, Limit: 5, SafeSearch: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "brave", resp.Provider)
	assert.Equal(t, srv.URL, resp.Endpoint)

	first := resp.Results[0]
	assert.Equal(t, "Build simple software", first.Snippet)
	assert.Equal(t, "go.dev", first.Domain)
	assert.Equal(t, "1 day", first.Metadata["age"])
	assert.Equal(t, "An interactive tour", resp.Results[1].Snippet)
}

func TestSearch_Unauthorised(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newProvider(t).Search(context.Background(), testLogger(), srv.URL, internetsearch.Query{Text: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
	assert.Equal(t, searcherr.KindRejected, searcherr.KindOf(err))
}

func TestSearch_NonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html>maintenance</html>")
	}))
	defer srv.Close()

	_, err := newProvider(t).Search(context.Background(), testLogger(), srv.URL, internetsearch.Query{Text: "q"})
	require.Error(t, err)
	assert.Equal(t, searcherr.KindServer, searcherr.KindOf(err))
}
