// Package ingestion resolves ingestion sources (files, directory trees and
// HTTP(S) URLs) into documents ready for the retrieval service. It is used by
// the `ragcore ingest` and `ragcore rebuild` commands.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/54b3r/ragcore/internal/rag"
	"github.com/54b3r/ragcore/internal/version"
)

const (
	// DefaultMaxFileBytes is the largest file or response body loaded.
	DefaultMaxFileBytes = 4 << 20

	// sniffLen is how much of a file is inspected for binary content.
	sniffLen = 8000
)

// defaultSkipDirs are directory names never descended into.
var defaultSkipDirs = []string{".git", ".hg", ".svn", "node_modules", "vendor", ".terraform", ".venv", "__pycache__"}

// Config holds the loader configuration.
type Config struct {
	// HTTPTimeout is the timeout for each URL fetch. Defaults to 30s if zero.
	HTTPTimeout time.Duration

	// UserAgent is the HTTP User-Agent header sent with fetch requests.
	UserAgent string

	// MaxFileBytes skips files and bodies larger than this. Defaults to 4 MiB.
	MaxFileBytes int64

	// Extensions restricts directory walks to these extensions (with the
	// dot). Empty means every extension with a known text content type.
	// Files named explicitly are always loaded.
	Extensions []string

	// SkipDirs replaces the default list of directory names not walked.
	SkipDirs []string

	// IncludeHidden walks dot-files and dot-directories.
	IncludeHidden bool
}

// Skipped is a path the loader passed over, with the reason.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Loader turns sources into documents.
type Loader struct {
	// cfg holds the resolved loader configuration.
	cfg *Config

	// httpClient is the HTTP client used for fetching URLs.
	httpClient *http.Client
}

// NewLoader constructs a Loader, applying defaults to cfg.
func NewLoader(cfg *Config) *Loader {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ragcore/" + version.Version + " (document ingestion)"
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	if cfg.SkipDirs == nil {
		cfg.SkipDirs = defaultSkipDirs
	}
	return &Loader{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
	}
}

// IsURL reports whether source should be fetched over HTTP.
func IsURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Load resolves every source in order. Directories are walked in lexical
// order. Unreadable or binary files found during a walk are reported in the
// skipped list; a source that cannot be loaded at all is an error. Progress
// is reported via the optional progress callback.
func (l *Loader) Load(ctx context.Context, sources []string, progress func(msg string)) ([]rag.Document, []Skipped, error) {
	if progress == nil {
		progress = func(string) {}
	}

	var (
		docs    []rag.Document
		skipped []Skipped
	)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return docs, skipped, err
		}

		if IsURL(src) {
			progress(fmt.Sprintf("fetching %s", src))
			doc, err := l.Fetch(ctx, src)
			if err != nil {
				return docs, skipped, err
			}
			docs = append(docs, doc)
			continue
		}

		info, err := os.Stat(src)
		if err != nil {
			return docs, skipped, fmt.Errorf("ingestion: %w", err)
		}
		if !info.IsDir() {
			doc, err := l.LoadFile(src)
			if err != nil {
				return docs, skipped, err
			}
			docs = append(docs, doc)
			continue
		}

		progress(fmt.Sprintf("walking %s", src))
		found, skip, err := l.walk(ctx, src)
		docs = append(docs, found...)
		skipped = append(skipped, skip...)
		if err != nil {
			return docs, skipped, err
		}
		progress(fmt.Sprintf("found %d documents under %s", len(found), src))
	}
	return docs, skipped, nil
}

// walk loads every eligible file under root.
func (l *Loader) walk(ctx context.Context, root string) ([]rag.Document, []Skipped, error) {
	var (
		docs    []rag.Document
		skipped []Skipped
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			skipped = append(skipped, Skipped{Path: path, Reason: err.Error()})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		name := d.Name()
		hidden := strings.HasPrefix(name, ".") && path != root
		if d.IsDir() {
			if path != root && (slices.Contains(l.cfg.SkipDirs, name) || (hidden && !l.cfg.IncludeHidden)) {
				return fs.SkipDir
			}
			return nil
		}
		if hidden && !l.cfg.IncludeHidden {
			return nil
		}
		if !d.Type().IsRegular() || !l.wanted(path) {
			return nil
		}

		doc, err := l.LoadFile(path)
		if err != nil {
			skipped = append(skipped, Skipped{Path: path, Reason: reason(err)})
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return docs, skipped, fmt.Errorf("ingestion: walk %s: %w", root, err)
	}
	return docs, skipped, nil
}

// wanted reports whether a walked file is eligible by extension.
func (l *Loader) wanted(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if len(l.cfg.Extensions) > 0 {
		return slices.Contains(l.cfg.Extensions, ext)
	}
	_, ok := extContentTypes[ext]
	return ok || knownFileNames[strings.ToLower(filepath.Base(path))] != ""
}

// Errors returned for files the loader refuses.
var (
	ErrTooLarge = errors.New("file too large")
	ErrBinary   = errors.New("binary content")
)

func reason(err error) string {
	switch {
	case errors.Is(err, ErrTooLarge):
		return "too large"
	case errors.Is(err, ErrBinary):
		return "binary"
	default:
		return err.Error()
	}
}

// LoadFile reads one file. SourcePath is the absolute, cleaned path so the
// same file always maps to the same document.
func (l *Loader) LoadFile(path string) (rag.Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return rag.Document{}, fmt.Errorf("ingestion: resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return rag.Document{}, fmt.Errorf("ingestion: %w", err)
	}
	if info.Size() > l.cfg.MaxFileBytes {
		return rag.Document{}, fmt.Errorf("ingestion: %s: %w (%d bytes)", abs, ErrTooLarge, info.Size())
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return rag.Document{}, fmt.Errorf("ingestion: %w", err)
	}
	if isBinary(data) {
		return rag.Document{}, fmt.Errorf("ingestion: %s: %w", abs, ErrBinary)
	}
	return rag.Document{
		SourcePath:  abs,
		Content:     string(data),
		ContentType: InferContentType(abs),
		Timestamp:   info.ModTime(),
	}, nil
}

// Fetch retrieves a URL as a document whose SourcePath is the URL.
func (l *Loader) Fetch(ctx context.Context, url string) (rag.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return rag.Document{}, fmt.Errorf("ingestion: creating request: %w", err)
	}
	req.Header.Set("User-Agent", l.cfg.UserAgent)
	req.Header.Set("Accept", "text/plain, text/markdown, text/html;q=0.8, */*;q=0.1")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return rag.Document{}, fmt.Errorf("ingestion: http get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rag.Document{}, fmt.Errorf("ingestion: unexpected status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, l.cfg.MaxFileBytes+1))
	if err != nil {
		return rag.Document{}, fmt.Errorf("ingestion: reading body: %w", err)
	}
	if int64(len(body)) > l.cfg.MaxFileBytes {
		return rag.Document{}, fmt.Errorf("ingestion: %s: %w", url, ErrTooLarge)
	}
	if isBinary(body) {
		return rag.Document{}, fmt.Errorf("ingestion: %s: %w", url, ErrBinary)
	}

	ct := ContentTypeFromHeader(resp.Header.Get("Content-Type"))
	if ct == "" || ct == "text/plain" {
		if inferred := InferContentType(url); inferred != "text/plain" {
			ct = inferred
		}
	}
	if ct == "" {
		ct = "text/plain"
	}
	return rag.Document{
		SourcePath:  url,
		Content:     string(body),
		ContentType: ct,
		Timestamp:   time.Now(),
	}, nil
}

// isBinary reports whether data looks like non-text content: a NUL byte in
// the leading window or invalid UTF-8.
func isBinary(data []byte) bool {
	head := data[:min(len(data), sniffLen)]
	if slices.Contains(head, 0) {
		return true
	}
	return !utf8.Valid(data)
}
