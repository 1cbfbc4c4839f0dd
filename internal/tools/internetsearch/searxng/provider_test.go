package searxng

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

func fetcher() *transport.Client {
	return transport.NewDirect(http.DefaultClient, nil, retry.Policy{}, testLogger(), transport.WithDefaults(2*time.Second, 0))
}

func TestNewSearXNGProvider_Endpoints(t *testing.T) {
	assert.Nil(t, NewSearXNGProvider(nil, "", "", nil, nil))
	assert.Nil(t, NewSearXNGProvider([]string{" ", ""}, "", "", nil, nil))

	p := NewSearXNGProvider([]string{"https://a.example/", "https://b.example"}, "", "", nil, nil)
	require.NotNil(t, p)
	assert.Equal(t, []string{"https://a.example/search", "https://b.example/search"}, p.Endpoints())
}

func TestSearch_JSONAndBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "alice", user)
		assert.Equal(t, "s3cret", pass)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "2", r.URL.Query().Get("pageno"))
		_, _ = io.WriteString(w, `{"results":[
			{"title":"Weather","url":"https://weather.example/today","content":"Rain later","score":2.5,"engine":"bing"},
			{"title":"Second","url":"https://other.example/","content":"More","img_src":"https://other.example/i.jpg"}
		]}`)
	}))
	defer srv.Close()

	p := NewSearXNGProvider([]string{srv.URL}, "alice", "s3cret", fetcher(), internetsearch.NewNormaliser(1))
	resp, err := p.Search(context.Background(), testLogger(), p.Endpoints()[0], internetsearch.Query{Text: "weather", Page: 2})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 2.5, resp.Results[0].Score)
	assert.Equal(t, "bing", resp.Results[0].Metadata["engine"])
	assert.Equal(t, "https://other.example/i.jpg", resp.Results[1].Thumbnail)
}

func TestSearch_LimitTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"results":[
			{"title":"1","url":"https://one.example/"},
			{"title":"2","url":"https://two.example/"},
			{"title":"3","url":"https://three.example/"}
		]}`)
	}))
	defer srv.Close()

	p := NewSearXNGProvider([]string{srv.URL}, "", "", fetcher(), internetsearch.NewNormaliser(1))
	resp, err := p.Search(context.Background(), testLogger(), p.Endpoints()[0], internetsearch.Query{Text: "n", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestSearch_HTMLResponseRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<!doctype html><html></html>")
	}))
	defer srv.Close()

	p := NewSearXNGProvider([]string{srv.URL}, "", "", fetcher(), internetsearch.NewNormaliser(1))
	_, err := p.Search(context.Background(), testLogger(), p.Endpoints()[0], internetsearch.Query{Text: "q"})
	require.Error(t, err)
	assert.Equal(t, searcherr.KindRejected, searcherr.KindOf(err))
}
