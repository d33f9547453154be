// Package fetch downloads attachment bytes for the vision path. URLs in
// the private-storage namespace are rewritten through the storage proxy.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
)

// maxBytes caps a single attachment download.
const maxBytes = 10 << 20 // 10 MiB

// Fetcher retrieves attachment bytes by URL.
type Fetcher interface {
	// Fetch returns the body and content type of the resource.
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// HTTPFetcher fetches over HTTP. When a URL starts with proxyPrefix it is
// rewritten onto proxyBase, so private-storage objects are reached through
// the authenticated proxy rather than directly.
type HTTPFetcher struct {
	client      *http.Client
	proxyPrefix string
	proxyBase   string
}

// NewHTTPFetcher creates a fetcher. proxyPrefix/proxyBase may be empty to
// disable rewriting.
func NewHTTPFetcher(proxyPrefix, proxyBase string) *HTTPFetcher {
	return &HTTPFetcher{
		client:      &http.Client{Timeout: 30 * time.Second},
		proxyPrefix: proxyPrefix,
		proxyBase:   proxyBase,
	}
}

// Fetch downloads the resource, enforcing the size cap.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.rewrite(url), nil)
	if err != nil {
		return nil, "", apperrors.ValidationError("url", err.Error())
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", apperrors.Transient("attachment fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", apperrors.Transient(
			fmt.Sprintf("attachment fetch returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", apperrors.Transient("attachment read failed", err)
	}
	if len(body) > maxBytes {
		return nil, "", apperrors.ValidationError("attachment", "attachment exceeds size limit")
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (f *HTTPFetcher) rewrite(url string) string {
	if f.proxyPrefix == "" || f.proxyBase == "" {
		return url
	}
	if !strings.HasPrefix(url, f.proxyPrefix) {
		return url
	}
	return f.proxyBase + strings.TrimPrefix(url, f.proxyPrefix)
}
