package export

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// DirSink writes exports into a local directory and returns file:// URLs.
type DirSink struct {
	Dir string
}

func (s DirSink) Put(ctx context.Context, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if filepath.Base(filename) != filename {
		return "", fmt.Errorf("invalid export filename %q", filename)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating export dir: %w", err)
	}
	path := filepath.Join(s.Dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing export: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}
