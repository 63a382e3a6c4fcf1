// Package triggers reacts to filesystem events and inbound webhooks by
// kicking off agent tasks.
package triggers

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"mama/internal/config"
	"mama/internal/logging"
)

// RunTaskFunc executes a trigger's task via an agent session.
type RunTaskFunc func(ctx context.Context, task, invocationContext string) (string, error)

// WatcherEngine runs one fsnotify watcher per configured path.
type WatcherEngine struct {
	watchers []config.WatcherConfig
	runTask  RunTaskFunc
	logger   logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    []chan struct{}
	pending sync.WaitGroup
}

// NewWatcherEngine creates the engine.
func NewWatcherEngine(watchers []config.WatcherConfig, runTask RunTaskFunc, logger logging.Logger) *WatcherEngine {
	return &WatcherEngine{
		watchers: watchers,
		runTask:  runTask,
		logger:   logging.OrNop(logger),
	}
}

// Start installs every configured watcher. A watcher that fails to install
// is logged and skipped; the engine still starts.
func (e *WatcherEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for _, wc := range e.watchers {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			e.logger.Error("Trigger watcher for %s failed to create: %v", wc.Path, err)
			continue
		}
		if err := watcher.Add(wc.Path); err != nil {
			e.logger.Error("Trigger watcher cannot watch %s: %v", wc.Path, err)
			watcher.Close()
			continue
		}
		done := make(chan struct{})
		e.done = append(e.done, done)
		go e.watch(runCtx, watcher, wc, done)
		e.logger.Info("Watching %s for %v", wc.Path, wc.Events)
	}
	return nil
}

// Stop closes all watchers and waits for in-flight tasks.
func (e *WatcherEngine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	for _, ch := range done {
		<-ch
	}
	e.pending.Wait()
}

func (e *WatcherEngine) watch(ctx context.Context, watcher *fsnotify.Watcher, wc config.WatcherConfig, done chan struct{}) {
	defer close(done)
	defer watcher.Close()

	wanted := make(map[string]bool, len(wc.Events))
	for _, ev := range wc.Events {
		wanted[strings.ToLower(ev)] = true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			for _, name := range mapEvent(event.Op) {
				if !wanted[name] {
					continue
				}
				e.fire(ctx, wc, name, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			e.logger.Warn("Watcher error on %s: %v", wc.Path, err)
		}
	}
}

// mapEvent translates fsnotify operations to trigger event names. A rename
// is ambiguous at this layer, so it fans out to add, unlink, and rename and
// the configuration decides which of them matter.
func mapEvent(op fsnotify.Op) []string {
	var names []string
	if op.Has(fsnotify.Create) {
		names = append(names, "add")
	}
	if op.Has(fsnotify.Write) {
		names = append(names, "change")
	}
	if op.Has(fsnotify.Remove) {
		names = append(names, "unlink")
	}
	if op.Has(fsnotify.Rename) {
		names = append(names, "add", "unlink", "rename")
	}
	return names
}

// fire expands the task template and runs it asynchronously. Task errors are
// logged and never kill the engine.
func (e *WatcherEngine) fire(ctx context.Context, wc config.WatcherConfig, event, path string) {
	task := expandTemplate(wc.Task, map[string]string{
		"filename": filepath.Base(path),
		"event":    event,
		"path":     path,
	})
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		if e.runTask == nil {
			return
		}
		if _, err := e.runTask(ctx, task, "file trigger on "+wc.Path); err != nil {
			e.logger.Warn("Trigger task for %s failed: %v", path, err)
		}
	}()
}

func expandTemplate(template string, vars map[string]string) string {
	out := template
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}
