package google

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

func newProvider() *GoogleProvider {
	fetcher := transport.NewDirect(http.DefaultClient, nil, retry.Policy{}, testLogger(), transport.WithDefaults(2*time.Second, 0))
	return NewGoogleProvider("key", "engine", fetcher, internetsearch.NewNormaliser(1))
}

func TestNewGoogleProvider_RequiresBothCredentials(t *testing.T) {
	assert.Nil(t, NewGoogleProvider("key", "", nil, nil))
	assert.Nil(t, NewGoogleProvider("", "cx", nil, nil))
	assert.True(t, newProvider().IsAvailable())
}

func TestSearch_Paging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "key", q.Get("key"))
		assert.Equal(t, "engine", q.Get("cx"))
		assert.Equal(t, "10", q.Get("num"))
		assert.Equal(t, "21", q.Get("start"))
		_, _ = io.WriteString(w, `{"items":[
			{"title":"Result","link":"https://example.org/r","snippet":"text","displayLink":"example.org",
			 "pagemap":{"cse_thumbnail":[{"src":"https://img.example.org/t.png"}]}}
		]}`)
	}))
	defer srv.Close()

	resp, err := newProvider().Search(context.Background(), testLogger(), srv.URL, internetsearch.Query{Text: "q", Page: 3, Limit: 40})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "https://img.example.org/t.png", resp.Results[0].Thumbnail)
	assert.Equal(t, "example.org", resp.Results[0].Metadata["display_link"])
}

func TestSearch_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"API key not valid"}}`)
	}))
	defer srv.Close()

	_, err := newProvider().Search(context.Background(), testLogger(), srv.URL, internetsearch.Query{Text: "q"})
	require.Error(t, err)
	assert.Equal(t, searcherr.KindRejected, searcherr.KindOf(err))
}
