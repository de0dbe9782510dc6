package config

import (
	"context"
	"log"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Runtime holds the live tunables. The daemon loop reads a fresh snapshot
// each cycle, so a reload takes effect on the next tick without restart.
type Runtime struct {
	current atomic.Pointer[Tunables]
}

// NewRuntime seeds the holder with the boot-time tunables.
func NewRuntime(t Tunables) *Runtime {
	r := &Runtime{}
	r.current.Store(&t)
	return r
}

// Tunables returns the current snapshot.
func (r *Runtime) Tunables() Tunables {
	return *r.current.Load()
}

// set replaces the snapshot.
func (r *Runtime) set(t Tunables) {
	r.current.Store(&t)
}

// Watch reloads the tunables file whenever it changes, until ctx is done.
// A file that fails to parse or validate is ignored; the previous tunables
// stay in effect.
func (r *Runtime) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files rather than write in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			tun, err := LoadTunablesFile(path, r.Tunables())
			if err != nil {
				log.Printf("config: reload rejected: %v", err)
				continue
			}
			r.set(tun)
			log.Printf("config: tunables reloaded from %s", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("config: watch error: %v", err)
		}
	}
}
