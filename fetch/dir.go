package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/sldsync/diagram"
)

// DirFetcher reads snapshots from <dir>/<id>.svg with optional metadata in
// <dir>/<id>.json.
type DirFetcher struct {
	dir    string
	logger zerolog.Logger
}

// NewDirFetcher creates a fetcher rooted at dir.
func NewDirFetcher(dir string, logger zerolog.Logger) (*DirFetcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("diagram directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("diagram directory %s: not a directory", dir)
	}
	return &DirFetcher{dir: dir, logger: logger.With().Str("component", "dir_fetcher").Str("dir", dir).Logger()}, nil
}

// Dir returns the root directory.
func (f *DirFetcher) Dir() string {
	return f.dir
}

// Fetch implements diagram.Fetcher.
func (f *DirFetcher) Fetch(ctx context.Context, id diagram.Identifier) (diagram.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return diagram.Snapshot{}, err
	}
	name := string(id)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return diagram.Snapshot{}, fmt.Errorf("%w: invalid identifier %q", diagram.ErrNotFound, name)
	}
	svg, err := os.ReadFile(filepath.Join(f.dir, name+".svg"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return diagram.Snapshot{}, fmt.Errorf("%w: %s", diagram.ErrNotFound, name)
		}
		return diagram.Snapshot{}, fmt.Errorf("read diagram %s: %w", name, err)
	}
	var meta diagram.Metadata
	raw, err := os.ReadFile(filepath.Join(f.dir, name+".json"))
	switch {
	case err == nil:
		meta, err = DecodeMetadata(raw)
		if err != nil {
			return diagram.Snapshot{}, fmt.Errorf("diagram %s: %w", name, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return diagram.Snapshot{}, fmt.Errorf("read metadata %s: %w", name, err)
	}
	return diagram.Snapshot{SVG: string(svg), Metadata: meta}, nil
}

// List returns the identifiers of every snapshot in the directory.
func (f *DirFetcher) List() ([]diagram.Identifier, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var ids []diagram.Identifier
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".svg" {
			continue
		}
		ids = append(ids, diagram.Identifier(strings.TrimSuffix(entry.Name(), ".svg")))
	}
	return ids, nil
}
