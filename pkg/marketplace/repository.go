package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// searchLimit is the page size requested from every repository
const searchLimit = 100

// maxResponseSize caps a repository JSON response
const maxResponseSize = 16 << 20

// Repository is one remote source of listings
type Repository interface {
	// Name identifies the repository in logs, metrics and Listing.RepositoryURL
	Name() string
	// Search returns the listings matching q
	Search(ctx context.Context, q Query) ([]Listing, error)
	// Details returns one listing, or an error wrapping plugins.ErrPluginNotFound
	Details(ctx context.Context, name string) (*Listing, error)
	// Open streams the archive of a listing served by this repository
	Open(ctx context.Context, l Listing) (io.ReadCloser, error)
}

// HTTPRepository is a repository reached over its JSON HTTP API
type HTTPRepository struct {
	base     string
	apiKey   string
	client   *http.Client
	download *http.Client
}

// NewHTTPRepository creates a repository rooted at baseURL. API calls are
// bounded by timeout; downloads are bounded by the caller's context. The
// client transport is instrumented with otelhttp.
func NewHTTPRepository(baseURL, apiKey string, timeout time.Duration) *HTTPRepository {
	transport := otelhttp.NewTransport(http.DefaultTransport)
	return &HTTPRepository{
		base:     strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout, Transport: transport},
		download: &http.Client{Transport: transport},
	}
}

// Name implements Repository
func (r *HTTPRepository) Name() string { return r.base }

// Host returns the host of the base URL, used to look up API keys
func (r *HTTPRepository) Host() string {
	u, err := url.Parse(r.base)
	if err != nil {
		return ""
	}
	return u.Host
}

// Search implements Repository
func (r *HTTPRepository) Search(ctx context.Context, q Query) ([]Listing, error) {
	params := url.Values{}
	params.Set("q", q.Text)
	params.Set("limit", strconv.Itoa(searchLimit))
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	if len(q.Tags) > 0 {
		params.Set("tags", strings.Join(q.Tags, ","))
	}
	if q.Author != "" {
		params.Set("author", q.Author)
	}
	if q.MinRating > 0 {
		params.Set("min_rating", strconv.FormatFloat(q.MinRating, 'f', -1, 64))
	}
	if r.apiKey != "" {
		params.Set("api_key", r.apiKey)
	}

	var resp searchResponse
	if err := r.getJSON(ctx, "search", "/search?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	out := make([]Listing, 0, len(resp.Plugins))
	for _, l := range resp.Plugins {
		if l.validate() != nil {
			continue
		}
		l.normalize(r.base)
		out = append(out, l)
	}
	return out, nil
}

// Details implements Repository
func (r *HTTPRepository) Details(ctx context.Context, name string) (*Listing, error) {
	var l Listing
	if err := r.getJSON(ctx, "details", "/plugins/"+url.PathEscape(name), &l); err != nil {
		return nil, err
	}
	if err := l.validate(); err != nil {
		return nil, &plugins.MarketplaceError{Repository: r.base, Op: "details", Err: err}
	}
	l.normalize(r.base)
	return &l, nil
}

// Open implements Repository. Relative download URLs resolve against the base.
func (r *HTTPRepository) Open(ctx context.Context, l Listing) (io.ReadCloser, error) {
	target := l.DownloadURL
	if u, err := url.Parse(target); err == nil && !u.IsAbs() {
		target = r.base + "/" + strings.TrimLeft(target, "/")
	}
	return openURL(ctx, r.download, r.base, target)
}

func (r *HTTPRepository) getJSON(ctx context.Context, op, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+path, nil)
	if err != nil {
		return &plugins.MarketplaceError{Repository: r.base, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return &plugins.MarketplaceError{Repository: r.base, Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && op == "details":
		return &plugins.MarketplaceError{Repository: r.base, Op: op, Err: plugins.ErrPluginNotFound}
	case resp.StatusCode != http.StatusOK:
		return &plugins.MarketplaceError{Repository: r.base, Op: op,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(v); err != nil {
		return &plugins.MarketplaceError{Repository: r.base, Op: op,
			Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}

// openURL performs a GET and hands back the body on 200
func openURL(ctx context.Context, client *http.Client, repo, target string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &plugins.MarketplaceError{Repository: repo, Op: "download", Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &plugins.MarketplaceError{Repository: repo, Op: "download", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &plugins.MarketplaceError{Repository: repo, Op: "download",
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return resp.Body, nil
}
