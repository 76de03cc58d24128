package credentials

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher calls OnChange when a credentials file is rewritten. It watches
// the parent directory because atomic writes replace the file.
type Watcher struct {
	Path     string
	OnChange func()
	Logger   *zerolog.Logger
	// Settle coalesces bursts of events from one rewrite.
	Settle time.Duration
}

func (w *Watcher) Run(ctx context.Context) error {
	path := filepath.Clean(strings.TrimSpace(w.Path))
	if path == "" || path == "." || w.OnChange == nil {
		return ErrInvalidInput
	}
	logger := zerolog.Nop()
	if w.Logger != nil {
		logger = *w.Logger
	}
	settle := w.Settle
	if settle <= 0 {
		settle = 100 * time.Millisecond
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		return err
	}
	logger.Debug().Str("path", path).Msg("watching credentials file")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending = time.After(settle)
		case <-pending:
			pending = nil
			logger.Info().Str("path", path).Msg("credentials file changed")
			w.OnChange()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("credentials watcher error")
		}
	}
}
