package svcconfig

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent signals that path changed on disk and cfg is the freshly
// reloaded configuration, or Err is set if the reload failed to parse
// (the previous Config returned by Watcher.Current is left untouched).
type ReloadEvent struct {
	Path string
	Cfg  Config
	Err  error
}

// Watcher reloads a Config from path whenever fsnotify reports a change,
// following the teacher's config.Watcher shape: a buffered event channel
// plus a background goroutine tied to ctx, generalized from watching a
// fixed list of agent-persona files to watching a single service config
// file.
type Watcher struct {
	path   string
	logger *slog.Logger
	events chan ReloadEvent

	current Config
}

// NewWatcher creates a Watcher for path, seeded with an initial load.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		logger:  logger,
		events:  make(chan ReloadEvent, 4),
		current: cfg,
	}, nil
}

// Events returns the channel of reload results.
func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

// Current returns the most recently successfully loaded config.
func (w *Watcher) Current() Config { return w.current }

// Start begins watching the config file until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.path); err != nil {
		w.logger.Warn("svcconfig: watch target does not exist yet", "path", w.path, "error", err)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(w.path)
				if err != nil {
					w.logger.Error("svcconfig: reload failed, keeping previous config", "path", ev.Name, "error", err)
					w.send(ReloadEvent{Path: ev.Name, Err: err})
					continue
				}
				w.current = cfg
				w.logger.Info("svcconfig: reloaded", "path", ev.Name)
				w.send(ReloadEvent{Path: ev.Name, Cfg: cfg})
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("svcconfig: watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) send(ev ReloadEvent) {
	select {
	case w.events <- ev:
	default:
	}
}
