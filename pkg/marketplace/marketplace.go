package marketplace

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/cloudcraver/pkg/observability"
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// Config holds marketplace tuning
type Config struct {
	MaxResults       int
	CacheTTL         time.Duration
	CacheSize        int
	RequestTimeout   time.Duration
	DownloadTimeout  time.Duration
	MaxDownloadSize  int64
	SecurityScanning bool
	// Concurrency caps in-flight repository requests; 0 means one per repository
	Concurrency int
}

// DefaultConfig returns the defaults used when a field is left zero
func DefaultConfig() Config {
	return Config{
		MaxResults:       50,
		CacheTTL:         time.Hour,
		CacheSize:        256,
		RequestTimeout:   30 * time.Second,
		DownloadTimeout:  5 * time.Minute,
		MaxDownloadSize:  100 << 20,
		SecurityScanning: true,
	}
}

// Option configures a Marketplace
type Option func(*Marketplace)

// WithRepository adds a repository
func WithRepository(r Repository) Option {
	return func(m *Marketplace) { m.repos = append(m.repos, r) }
}

// WithCache replaces the default in-process cache
func WithCache(c Cache) Option {
	return func(m *Marketplace) { m.cache = c }
}

// WithMetrics records search, cache and download metrics
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Marketplace) { m.metrics = metrics }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Marketplace) { m.now = now }
}

// Marketplace searches and downloads from a set of repositories
type Marketplace struct {
	cfg     Config
	repos   []Repository
	cache   Cache
	metrics *observability.Metrics
	log     *logrus.Logger
	now     func() time.Time

	mu         sync.Mutex
	lastSearch time.Time
}

// New creates a marketplace. Zero config fields take their defaults.
func New(cfg Config, log *logrus.Logger, opts ...Option) *Marketplace {
	def := DefaultConfig()
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = def.DownloadTimeout
	}
	if cfg.MaxDownloadSize <= 0 {
		cfg.MaxDownloadSize = def.MaxDownloadSize
	}
	if log == nil {
		log = logrus.New()
	}

	m := &Marketplace{cfg: cfg, log: log, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = NewLRUCache(cfg.CacheSize, cfg.CacheTTL)
	}
	return m
}

// Repositories returns the configured repository names
func (m *Marketplace) Repositories() []string {
	names := make([]string, len(m.repos))
	for i, r := range m.repos {
		names[i] = r.Name()
	}
	return names
}

// Search queries every repository concurrently and returns the merged,
// ranked listings. A failing repository is logged and skipped.
func (m *Marketplace) Search(ctx context.Context, q Query) ([]Listing, error) {
	ctx, span := observability.StartSpan(ctx, "marketplace.search",
		trace.WithAttributes(
			attribute.String("marketplace.query", q.Text),
			attribute.Int("marketplace.repositories", len(m.repos)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() { m.metrics.ObserveSearch(time.Since(start)) }()

	limit := q.MaxResults
	if limit <= 0 {
		limit = m.cfg.MaxResults
	}
	log := observability.WithTraceContext(ctx, m.log.WithField("query", q.Text))

	key := "search:" + q.CacheKey()
	if cached, ok := m.cacheGet(ctx, key); ok {
		log.Debug("Returning cached search results")
		return truncate(cached, limit), nil
	}

	log.Info("Searching marketplace")
	results, failed := m.fanOut(ctx, q)
	if err := ctx.Err(); err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	ranked := Rank(Dedup(results), q.Text, m.now())
	if failed == 0 {
		m.cacheSet(ctx, key, ranked)
	}

	m.mu.Lock()
	m.lastSearch = m.now()
	m.mu.Unlock()

	span.SetAttributes(attribute.Int("marketplace.results", len(ranked)))
	log.WithField("results", len(ranked)).Info("Marketplace search complete")
	return truncate(ranked, limit), nil
}

// fanOut runs q against every repository and returns the concatenated
// results in repository order with the number of failed repositories
func (m *Marketplace) fanOut(ctx context.Context, q Query) ([]Listing, int) {
	perRepo := make([][]Listing, len(m.repos))
	var failed int
	var mu sync.Mutex

	eg, ctx := errgroup.WithContext(ctx)
	if m.cfg.Concurrency > 0 {
		eg.SetLimit(m.cfg.Concurrency)
	}
	for i, repo := range m.repos {
		i, repo := i, repo
		eg.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
			defer cancel()

			listings, err := repo.Search(rctx, q)
			if err != nil {
				m.log.WithFields(logrus.Fields{"repo": repo.Name(), "error": err}).
					Warn("Repository search failed")
				m.metrics.RecordRepositoryError(repo.Name())
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			perRepo[i] = listings
			return nil
		})
	}
	_ = eg.Wait()

	var all []Listing
	for _, listings := range perRepo {
		all = append(all, listings...)
	}
	return all, failed
}

// Dedup keeps one listing per (name, author), preferring the higher version.
// First-seen order is kept.
func Dedup(listings []Listing) []Listing {
	index := make(map[string]int, len(listings))
	out := make([]Listing, 0, len(listings))
	for _, l := range listings {
		i, seen := index[l.Key()]
		if !seen {
			index[l.Key()] = len(out)
			out = append(out, l)
			continue
		}
		if plugins.CompareVersions(l.Version, out[i].Version) > 0 {
			out[i] = l
		}
	}
	return out
}

// Score weighs a listing against the query text:
//
//	text relevance  40 name match, else 20 description match
//	rating          rating * 5
//	downloads       min(20, log10(downloads) * 4)
//	recency         10 under 30 days, 5 under 90 days
//	completeness    2 docs, 2 homepage, 1 screenshots
func Score(l Listing, text string, now time.Time) float64 {
	var score float64

	text = strings.ToLower(text)
	switch {
	case strings.Contains(strings.ToLower(l.Name), text):
		score += 40
	case strings.Contains(strings.ToLower(l.Description), text):
		score += 20
	}

	score += l.Rating * 5

	if l.Downloads > 0 {
		score += math.Min(20, math.Log10(float64(l.Downloads))*4)
	}

	if !l.LastUpdated.IsZero() {
		age := now.Sub(l.LastUpdated)
		switch {
		case age < 30*24*time.Hour:
			score += 10
		case age < 90*24*time.Hour:
			score += 5
		}
	}

	if l.DocumentationURL != "" {
		score += 2
	}
	if l.HomepageURL != "" {
		score += 2
	}
	if len(l.Screenshots) > 0 {
		score += 1
	}
	return score
}

// Rank sorts listings by descending Score. Ties keep name order.
func Rank(listings []Listing, text string, now time.Time) []Listing {
	type scored struct {
		listing Listing
		score   float64
	}
	items := make([]scored, len(listings))
	for i, l := range listings {
		items[i] = scored{listing: l, score: Score(l, text, now)}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].listing.Name < items[j].listing.Name
	})
	out := make([]Listing, len(items))
	for i, it := range items {
		out[i] = it.listing
	}
	return out
}

func truncate(listings []Listing, n int) []Listing {
	if n > 0 && len(listings) > n {
		return listings[:n]
	}
	return listings
}

// Details looks name up in each repository in order and returns the first hit
func (m *Marketplace) Details(ctx context.Context, name string) (*Listing, error) {
	key := "details:" + name
	if cached, ok := m.cacheGet(ctx, key); ok && len(cached) == 1 {
		return &cached[0], nil
	}

	var errs []error
	for _, repo := range m.repos {
		rctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		l, err := repo.Details(rctx, name)
		cancel()
		if err == nil {
			m.cacheSet(ctx, key, []Listing{*l})
			return l, nil
		}
		if !errors.Is(err, plugins.ErrPluginNotFound) {
			m.log.WithFields(logrus.Fields{"repo": repo.Name(), "plugin": name, "error": err}).
				Warn("Repository details lookup failed")
			m.metrics.RecordRepositoryError(repo.Name())
			errs = append(errs, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s in marketplace: %v", plugins.ErrPluginNotFound, name, errors.Join(errs...))
	}
	return nil, fmt.Errorf("%w: %s in marketplace", plugins.ErrPluginNotFound, name)
}

// AvailableVersions returns every version of name advertised by any
// repository, ascending. It lets the dependency resolver see marketplace
// versions.
func (m *Marketplace) AvailableVersions(ctx context.Context, name string) ([]string, error) {
	results, _ := m.fanOut(ctx, Query{Text: name})
	seen := make(map[string]bool)
	var versions []string
	for _, l := range results {
		if l.Name == name && !seen[l.Version] {
			seen[l.Version] = true
			versions = append(versions, l.Version)
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return plugins.CompareVersions(versions[i], versions[j]) < 0
	})
	return versions, ctx.Err()
}

// CheckUpdates returns a newer listing for each installed plugin that has one.
// installed maps plugin names to their installed versions.
func (m *Marketplace) CheckUpdates(ctx context.Context, installed map[string]string) ([]Update, error) {
	names := make([]string, 0, len(installed))
	for name := range installed {
		names = append(names, name)
	}
	sort.Strings(names)

	var updates []Update
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return updates, err
		}
		l, err := m.Details(ctx, name)
		if err != nil {
			m.log.WithFields(logrus.Fields{"plugin": name, "error": err}).Debug("No marketplace listing")
			continue
		}
		if plugins.CompareVersions(l.Version, installed[name]) > 0 {
			updates = append(updates, Update{Name: name, Installed: installed[name], Available: *l})
		}
	}
	return updates, nil
}

// Categories returns the known listing categories
func (m *Marketplace) Categories() []string {
	return []string{
		"templates",
		"providers",
		"validators",
		"generators",
		"tools",
		"integrations",
		"security",
		"monitoring",
		"other",
	}
}

// ClearCache drops every cached search and details entry
func (m *Marketplace) ClearCache(ctx context.Context) error {
	if err := m.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear marketplace cache: %w", err)
	}
	m.log.Info("Marketplace cache cleared")
	return nil
}

// Stats reports repository count, cache size and the last uncached search
func (m *Marketplace) Stats(ctx context.Context) Stats {
	n, err := m.cache.Len(ctx)
	if err != nil {
		m.log.WithError(err).Warn("Failed to count cache entries")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Repositories: len(m.repos), CacheEntries: n, LastSearch: m.lastSearch}
}

func (m *Marketplace) cacheGet(ctx context.Context, key string) ([]Listing, bool) {
	listings, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		m.log.WithError(err).Warn("Marketplace cache read failed")
		ok = false
	}
	m.metrics.RecordCache(ok)
	return listings, ok
}

func (m *Marketplace) cacheSet(ctx context.Context, key string, listings []Listing) {
	if err := m.cache.Set(ctx, key, listings); err != nil {
		m.log.WithError(err).Warn("Marketplace cache write failed")
	}
}
