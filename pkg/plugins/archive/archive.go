// Package archive inspects and extracts plugin packages distributed as zip or
// tar archives. Entry names are validated before any content is read.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"
)

// Format is a supported archive format
type Format string

const (
	FormatZip   Format = "zip"
	FormatTar   Format = "tar"
	FormatTarGz Format = "tar.gz"
	FormatTarBz Format = "tar.bz2"
	FormatTarXz Format = "tar.xz"
)

// MaxNameLength is the longest entry name accepted
const MaxNameLength = 255

var (
	ErrUnsupported = errors.New("unsupported archive format")
	ErrTraversal   = errors.New("archive entry escapes destination")
	ErrAbsolute    = errors.New("archive entry has absolute path")
	ErrNameTooLong = errors.New("archive entry name too long")
	ErrTooLarge    = errors.New("archive exceeds size limit")
	ErrEntryType   = errors.New("unsupported archive entry type")
	ErrNotFound    = errors.New("archive entry not found")
)

// Entry describes one archive member
type Entry struct {
	Name string
	Size int64
	Dir  bool
	// Link is set for symlinks and hard links
	Link bool
	Mode os.FileMode
}

// DetectFormat returns the archive format implied by the file name
func DetectFormat(name string) (Format, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, true
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, true
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"):
		return FormatTarBz, true
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return FormatTarXz, true
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar, true
	}
	return "", false
}

// IsArchive reports whether name has a supported archive extension
func IsArchive(name string) bool {
	_, ok := DetectFormat(name)
	return ok
}

// ValidateName rejects traversal segments, absolute paths and overlong names
func ValidateName(name string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %d characters", ErrNameTooLong, len(name))
	}
	normalized := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(normalized, "/") || filepath.IsAbs(name) || hasVolume(normalized) {
		return fmt.Errorf("%w: %s", ErrAbsolute, name)
	}
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return fmt.Errorf("%w: %s", ErrTraversal, name)
		}
	}
	return nil
}

func hasVolume(name string) bool {
	return len(name) >= 2 && name[1] == ':' &&
		((name[0] >= 'a' && name[0] <= 'z') || (name[0] >= 'A' && name[0] <= 'Z'))
}

// ValidateEntries checks every entry name
func ValidateEntries(entries []Entry) error {
	for _, e := range entries {
		if err := ValidateName(e.Name); err != nil {
			return err
		}
	}
	return nil
}

// Entries lists the members of an archive without extracting it
func Entries(archivePath string) ([]Entry, error) {
	var entries []Entry
	err := walk(archivePath, func(e Entry, _ io.Reader) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// UncompressedSize sums the declared sizes of regular entries
func UncompressedSize(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		if !e.Dir && !e.Link {
			total += e.Size
		}
	}
	return total
}

// ReadFile returns the content of one archive member
func ReadFile(archivePath, name string) ([]byte, error) {
	var data []byte
	found := false
	err := walk(archivePath, func(e Entry, r io.Reader) error {
		if found || e.Dir || cleanName(e.Name) != cleanName(name) {
			return nil
		}
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		data, found = b, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, nil
}

// FindFile returns the shallowest entry accepted by match whose directory
// depth is at most maxDepth. Ties at the same depth resolve by name.
func FindFile(entries []Entry, maxDepth int, match func(base string) bool) (string, bool) {
	var candidates []string
	for _, e := range entries {
		if e.Dir || e.Link {
			continue
		}
		name := cleanName(e.Name)
		if depth(name) > maxDepth || !match(path.Base(name)) {
			continue
		}
		candidates = append(candidates, name)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		di, dj := depth(candidates[i]), depth(candidates[j])
		if di != dj {
			return di < dj
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0], true
}

func depth(name string) int {
	return strings.Count(name, "/")
}

func cleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	return strings.TrimSuffix(path.Clean(name), "/")
}

// Options bound an extraction
type Options struct {
	// MaxSize caps the total bytes written; zero means unlimited
	MaxSize int64
}

// Extract validates every entry and then writes the archive into dest.
// Links are rejected. The size cap is enforced on declared sizes and again
// on the bytes actually written.
func Extract(ctx context.Context, archivePath, dest string, opts Options) error {
	entries, err := Entries(archivePath)
	if err != nil {
		return err
	}
	if err := ValidateEntries(entries); err != nil {
		return err
	}
	for _, e := range entries {
		if e.Link {
			return fmt.Errorf("%w: link %s", ErrEntryType, e.Name)
		}
	}
	if opts.MaxSize > 0 && UncompressedSize(entries) > opts.MaxSize {
		return fmt.Errorf("%w: %d bytes declared", ErrTooLarge, UncompressedSize(entries))
	}

	destAbs, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("failed to resolve destination: %w", err)
	}
	if err := os.MkdirAll(destAbs, 0755); err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	var written int64
	return walk(archivePath, func(e Entry, r io.Reader) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		target := filepath.Join(destAbs, filepath.FromSlash(cleanName(e.Name)))
		if target != destAbs && !strings.HasPrefix(target, destAbs+string(os.PathSeparator)) {
			return fmt.Errorf("%w: %s", ErrTraversal, e.Name)
		}

		if e.Dir {
			return os.MkdirAll(target, 0755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		mode := e.Mode.Perm()
		if mode == 0 {
			mode = 0644
		}
		outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		defer outFile.Close()

		src := r
		if opts.MaxSize > 0 {
			src = io.LimitReader(r, opts.MaxSize-written+1)
		}
		n, err := io.Copy(outFile, src)
		written += n
		if err != nil {
			return err
		}
		if opts.MaxSize > 0 && written > opts.MaxSize {
			return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, opts.MaxSize)
		}
		return nil
	})
}

// walk visits archive members in order, handing regular file content to fn
func walk(archivePath string, fn func(Entry, io.Reader) error) error {
	format, ok := DetectFormat(archivePath)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupported, filepath.Base(archivePath))
	}
	if format == FormatZip {
		return walkZip(archivePath, fn)
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	var r io.Reader = file
	switch format {
	case FormatTarGz:
		gzReader, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gzReader.Close()
		r = gzReader
	case FormatTarBz:
		r = bzip2.NewReader(file)
	case FormatTarXz:
		xzReader, err := xz.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to open xz stream: %w", err)
		}
		r = xzReader
	}
	return walkTar(tar.NewReader(r), fn)
}

func walkZip(archivePath string, fn func(Entry, io.Reader) error) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		info := f.FileInfo()
		e := Entry{
			Name: f.Name,
			Size: int64(f.UncompressedSize64),
			Dir:  info.IsDir(),
			Link: info.Mode()&os.ModeSymlink != 0,
			Mode: info.Mode(),
		}
		if e.Dir || e.Link {
			if err := fn(e, nil); err != nil {
				return err
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = fn(e, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func walkTar(tarReader *tar.Reader, fn func(Entry, io.Reader) error) error {
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}

		e := Entry{Name: header.Name, Size: header.Size, Mode: os.FileMode(header.Mode)}
		switch header.Typeflag {
		case tar.TypeDir:
			e.Dir = true
		case tar.TypeSymlink, tar.TypeLink:
			e.Link = true
		case tar.TypeReg:
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		default:
			e.Link = true
		}

		var content io.Reader
		if !e.Dir && !e.Link {
			content = tarReader
		}
		if err := fn(e, content); err != nil {
			return err
		}
	}
}
