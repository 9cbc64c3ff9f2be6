package fetch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/timzifer/sldsync/diagram"
)

const defaultDebounce = 100 * time.Millisecond

// DirWatcher reports identifiers whose snapshot files changed on disk.
type DirWatcher struct {
	dir      string
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	onChange func(diagram.Identifier)
	debounce time.Duration
}

// NewDirWatcher watches dir and calls onChange once per burst of writes to
// <id>.svg or <id>.json.
func NewDirWatcher(dir string, logger zerolog.Logger, onChange func(diagram.Identifier)) (*DirWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &DirWatcher{
		dir:      dir,
		logger:   logger.With().Str("component", "dir_watcher").Str("dir", dir).Logger(),
		watcher:  watcher,
		onChange: onChange,
		debounce: defaultDebounce,
	}, nil
}

// Run dispatches change notifications until ctx is done. It closes the
// underlying watcher on return.
func (w *DirWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	pending := make(map[diagram.Identifier]struct{})
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			id, ok := identifierOf(event.Name)
			if !ok {
				continue
			}
			pending[id] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			}
		case <-timerC:
			timer, timerC = nil, nil
			for id := range pending {
				w.logger.Info().Str("diagram", string(id)).Msg("snapshot files changed")
				if w.onChange != nil {
					w.onChange(id)
				}
				delete(pending, id)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("directory watcher error")
		}
	}
}

func identifierOf(path string) (diagram.Identifier, bool) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if ext != ".svg" && ext != ".json" {
		return "", false
	}
	name := strings.TrimSuffix(base, ext)
	if name == "" || strings.HasPrefix(name, ".") {
		return "", false
	}
	return diagram.Identifier(name), true
}
