package thermo

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// sanitizeVersion is folded into input cache keys; bump it when
// SanitizeCSV changes output.
const sanitizeVersion = "sanitized_v2"

// CachedProcessor wraps a Processor with an on-disk cache keyed by the
// sanitized input content, the coefficient tag and the room temperature.
type CachedProcessor struct {
	inner    Processor
	cacheDir string

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// NewCachedProcessor caches inner's outputs under cacheDir.
func NewCachedProcessor(inner Processor, cacheDir string) *CachedProcessor {
	return &CachedProcessor{
		inner:    inner,
		cacheDir: cacheDir,
		inflight: make(map[string]*sync.Mutex),
	}
}

// lock serializes work on one cache entry.
func (c *CachedProcessor) lock(key string) func() {
	c.mu.Lock()
	m, ok := c.inflight[key]
	if !ok {
		m = &sync.Mutex{}
		c.inflight[key] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Process returns the cached output for req, calling the wrapped processor
// only on a miss.
func (c *CachedProcessor) Process(ctx context.Context, req ProcessRequest) (string, error) {
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}
	sanitized, digest, err := c.sanitizedInput(req.InputPath)
	if err != nil {
		return "", err
	}

	tag := req.CoefficientTag()
	key := cacheKey(digest, tag, fmt.Sprintf("rt%.1f", req.RoomTempF))
	base := strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath))
	cached := filepath.Join(c.cacheDir, fmt.Sprintf("%s__%s__%s.csv", base, fileTag(tag), key))

	unlock := c.lock(cached)
	defer unlock()

	if nonEmptyFile(cached) {
		return cached, nil
	}

	inner := req
	inner.InputPath = sanitized
	inner.OutputDir = absPath(c.cacheDir)
	out, err := c.inner.Process(ctx, inner)
	if err != nil {
		return "", err
	}
	if !nonEmptyFile(out) {
		return "", fmt.Errorf("processed output not found locally: %s", out)
	}
	if absPath(out) != absPath(cached) {
		if err := moveFile(out, cached); err != nil {
			return "", fmt.Errorf("caching processed output: %w", err)
		}
	}
	log.Printf("[cache] stored %s", filepath.Base(cached))
	return cached, nil
}

// sanitizedInput writes a header-cleaned copy of path into the cache and
// returns its path with the digest of its content.
func (c *CachedProcessor) sanitizedInput(path string) (string, string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("opening input: %w", err)
	}
	defer src.Close()

	var buf strings.Builder
	if err := SanitizeCSV(src, &buf); err != nil {
		return "", "", fmt.Errorf("sanitizing %s: %w", filepath.Base(path), err)
	}
	digest := cacheKey(buf.String(), sanitizeVersion)

	dir := filepath.Join(c.cacheDir, "_inputs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating input cache: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(dir, fmt.Sprintf("%s__%s.csv", base, digest))
	if nonEmptyFile(out) {
		return absPath(out), digest, nil
	}
	if err := writeFileAtomic(out, []byte(buf.String())); err != nil {
		return "", "", fmt.Errorf("writing sanitized input: %w", err)
	}
	return absPath(out), digest, nil
}

// SanitizeCSV copies a CSV, trimming whitespace and a BOM from header names
// and whitespace from device_id values. Malformed rows are dropped, as
// ParseSeries drops them.
func SanitizeCSV(r io.Reader, w io.Writer) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	writer := csv.NewWriter(w)

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return ErrEmptyHeader
	}
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	deviceIdx := -1
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if header[i] == "device_id" && deviceIdx < 0 {
			deviceIdx = i
		}
	}
	if err := writer.Write(header); err != nil {
		return err
	}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			return fmt.Errorf("reading row: %w", err)
		}
		if deviceIdx >= 0 && deviceIdx < len(row) {
			row[deviceIdx] = strings.TrimSpace(row[deviceIdx])
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func cacheKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// fileTag makes a coefficient tag safe for file names.
func fileTag(tag string) string {
	return strings.NewReplacer(":", "_", ",", "_", "=", "").Replace(tag)
}

func nonEmptyFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular() && st.Size() > 0
}

func absPath(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}

// moveFile renames src to dst, copying when the rename crosses devices.
func moveFile(src, dst string) error {
	_ = os.Remove(dst)
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
