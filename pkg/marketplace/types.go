package marketplace

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Listing is a plugin advertised by a repository
type Listing struct {
	Name             string    `json:"name"`
	Version          string    `json:"version"`
	Description      string    `json:"description"`
	Author           string    `json:"author"`
	Category         string    `json:"category"`
	Tags             []string  `json:"tags,omitempty"`
	Downloads        int64     `json:"downloads"`
	Rating           float64   `json:"rating"`
	LastUpdated      time.Time `json:"last_updated"`
	Size             int64     `json:"size"`
	RepositoryURL    string    `json:"repository_url"`
	DownloadURL      string    `json:"download_url"`
	DocumentationURL string    `json:"documentation_url,omitempty"`
	HomepageURL      string    `json:"homepage_url,omitempty"`
	License          string    `json:"license,omitempty"`
	MinCoreVersion   string    `json:"min_core_version,omitempty"`
	Screenshots      []string  `json:"screenshots,omitempty"`
}

// Key identifies a listing across repositories
func (l Listing) Key() string {
	return l.Name + ":" + l.Author
}

// Query holds search text and filters
type Query struct {
	Text       string   `json:"q"`
	Category   string   `json:"category,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Author     string   `json:"author,omitempty"`
	MinRating  float64  `json:"min_rating,omitempty"`
	MaxResults int      `json:"max_results,omitempty"`
}

// CacheKey normalizes the query into a cache key. MaxResults is not part of
// the key since results are cached before truncation.
func (q Query) CacheKey() string {
	tags := make([]string, 0, len(q.Tags))
	for _, t := range q.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tags = append(tags, t)
		}
	}
	sort.Strings(tags)

	return strings.Join([]string{
		"q:" + strings.ToLower(strings.TrimSpace(q.Text)),
		"cat:" + strings.ToLower(strings.TrimSpace(q.Category)),
		"tags:" + strings.Join(tags, ","),
		"author:" + strings.ToLower(strings.TrimSpace(q.Author)),
		fmt.Sprintf("rating:%g", q.MinRating),
	}, "|")
}

// Matches applies the query filters to a listing. Text is matched against
// name, description and tags.
func (q Query) Matches(l Listing) bool {
	if q.Category != "" && !strings.EqualFold(q.Category, l.Category) {
		return false
	}
	if q.Author != "" && !strings.EqualFold(q.Author, l.Author) {
		return false
	}
	if l.Rating < q.MinRating {
		return false
	}
	for _, want := range q.Tags {
		if !containsFold(l.Tags, want) {
			return false
		}
	}
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return true
	}
	if strings.Contains(strings.ToLower(l.Name), text) ||
		strings.Contains(strings.ToLower(l.Description), text) {
		return true
	}
	for _, t := range l.Tags {
		if strings.Contains(strings.ToLower(t), text) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Update is a newer listing for an installed plugin
type Update struct {
	Name      string  `json:"name"`
	Installed string  `json:"installed"`
	Available Listing `json:"available"`
}

// Stats describes marketplace state
type Stats struct {
	Repositories int       `json:"repositories"`
	CacheEntries int       `json:"cache_entries"`
	LastSearch   time.Time `json:"last_search,omitempty"`
}

// searchResponse is the body of a repository search or index document
type searchResponse struct {
	Plugins []Listing `json:"plugins"`
}

// normalize fills defaults the wire format leaves out
func (l *Listing) normalize(repo string) {
	if l.Category == "" {
		l.Category = "other"
	}
	if l.RepositoryURL == "" {
		l.RepositoryURL = repo
	}
}

// validate checks the fields every listing must carry
func (l *Listing) validate() error {
	switch {
	case l.Name == "":
		return fmt.Errorf("listing missing name")
	case l.Version == "":
		return fmt.Errorf("listing %s missing version", l.Name)
	case l.DownloadURL == "":
		return fmt.Errorf("listing %s missing download_url", l.Name)
	}
	return nil
}
