// Package marketplace searches remote plugin repositories and downloads
// plugin archives from them.
//
// A Marketplace fans a Query out to every configured Repository at once,
// merges the answers, dedups them by name and author keeping the higher
// version, ranks them with Score and caches the ranked list for CacheTTL.
// A repository that fails or times out is logged and left out; it never fails
// the whole search.
//
// Two repository kinds are provided. HTTPRepository talks to a JSON API:
//
//	GET {base}/search?q=&limit=100&category=&tags=&author=&min_rating=&api_key=
//	GET {base}/plugins/{name}
//
// S3Repository reads an index.json object from a bucket and filters it
// locally. Server serves the HTTP API from an index file and an artifact
// directory, so a directory of archives can act as a repository.
//
// # Usage
//
//	m := marketplace.New(marketplace.DefaultConfig(), log,
//		marketplace.WithRepository(marketplace.NewHTTPRepository("https://plugins.example.com/api", "", 30*time.Second)),
//		marketplace.WithCache(marketplace.NewLRUCache(256, time.Hour)),
//	)
//	results, err := m.Search(ctx, marketplace.Query{Text: "aws", MinRating: 4})
//	path, err := m.Download(ctx, results[0], downloadDir)
package marketplace
