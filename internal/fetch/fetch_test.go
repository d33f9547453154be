package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher("", "")
	body, contentType, err := f.Fetch(context.Background(), srv.URL+"/img.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), body)
	assert.Equal(t, "image/png", contentType)
}

func TestFetchNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher("", "")
	_, _, err := f.Fetch(context.Background(), srv.URL+"/missing.png")
	assert.Error(t, err)
}

func TestProxyRewrite(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher("https://storage.internal/", srv.URL+"/proxy/")
	_, _, err := f.Fetch(context.Background(), "https://storage.internal/bucket/img.png")
	require.NoError(t, err)
	assert.Equal(t, "/proxy/bucket/img.png", gotPath)

	// URLs outside the namespace are untouched.
	assert.Equal(t, srv.URL+"/direct", f.rewrite(srv.URL+"/direct"))
}
