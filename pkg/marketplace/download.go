package marketplace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/cloudcraver/pkg/observability"
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// sizeTolerance is the allowed gap between advertised and downloaded size
const sizeTolerance = 1024

// allowedExtensions are the archive kinds accepted after download
var allowedExtensions = []string{".zip", ".tar.gz", ".tgz"}

var downloadClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

// Download streams the archive of l into dir as name-version.ext and returns
// its path. The file is removed if the transfer or the sanity check fails.
func (m *Marketplace) Download(ctx context.Context, l Listing, dir string) (_ string, err error) {
	ctx, span := observability.StartSpan(ctx, "marketplace.download")
	defer func() {
		m.metrics.RecordDownload(err)
		observability.EndSpan(span, err)
	}()

	if strings.ContainsAny(l.Name+l.Version, `/\`) || strings.Contains(l.Name+l.Version, "..") {
		return "", &plugins.MarketplaceError{Repository: l.RepositoryURL, Op: "download",
			Err: fmt.Errorf("unsafe listing name %q version %q", l.Name, l.Version)}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	log := observability.PluginLogger(ctx, m.log, l.Name).WithField(observability.FieldPluginVersion, l.Version)
	log.Info("Downloading plugin")

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DownloadTimeout)
	defer cancel()

	body, err := m.open(ctx, l)
	if err != nil {
		return "", err
	}
	defer body.Close()

	target := filepath.Join(dir, fmt.Sprintf("%s-%s%s", l.Name, l.Version, archiveExt(l.DownloadURL)))
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer func() {
		if err != nil {
			os.Remove(target)
		}
	}()

	written, err := io.Copy(f, io.LimitReader(body, m.cfg.MaxDownloadSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", &plugins.MarketplaceError{Repository: l.RepositoryURL, Op: "download", Err: err}
	}
	if written > m.cfg.MaxDownloadSize {
		return "", &plugins.MarketplaceError{Repository: l.RepositoryURL, Op: "download",
			Err: fmt.Errorf("archive exceeds %d bytes", m.cfg.MaxDownloadSize)}
	}

	if l.Size > 0 && abs(written-l.Size) > sizeTolerance {
		log.WithFields(logrus.Fields{"expected": l.Size, "actual": written}).
			Warn("Downloaded file size mismatch")
	}

	if m.cfg.SecurityScanning {
		if err := checkArchive(target); err != nil {
			log.WithError(err).Error("Sanity check failed")
			return "", &plugins.MarketplaceError{Repository: l.RepositoryURL, Op: "scan", Err: err}
		}
	}

	log.WithField("path", target).Info("Downloaded plugin")
	return target, nil
}

// open streams l from the repository that advertised it, or by plain GET
func (m *Marketplace) open(ctx context.Context, l Listing) (io.ReadCloser, error) {
	for _, repo := range m.repos {
		if repo.Name() == l.RepositoryURL {
			return repo.Open(ctx, l)
		}
	}
	u, err := url.Parse(l.DownloadURL)
	if err != nil || !u.IsAbs() {
		return nil, &plugins.MarketplaceError{Repository: l.RepositoryURL, Op: "download",
			Err: fmt.Errorf("no repository serves %q", l.DownloadURL)}
	}
	return openURL(ctx, downloadClient, l.RepositoryURL, l.DownloadURL)
}

// archiveExt picks the file extension from the URL path, .zip when it has none
func archiveExt(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	base := strings.ToLower(path.Base(p))
	for _, ext := range allowedExtensions {
		if strings.HasSuffix(base, ext) {
			return ext
		}
	}
	if ext := path.Ext(base); len(ext) > 1 && ext != base && isAlpha(ext[1:]) {
		return ext
	}
	return ".zip"
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// checkArchive is the post-download sanity check
func checkArchive(file string) error {
	for _, ext := range allowedExtensions {
		if strings.HasSuffix(strings.ToLower(file), ext) {
			return nil
		}
	}
	return fmt.Errorf("unexpected archive extension %q", filepath.Ext(file))
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
