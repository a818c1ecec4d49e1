package workflow

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Registry holds the workflow definitions loaded from a directory
type Registry struct {
	mu   sync.RWMutex
	dir  string
	defs map[string]*Definition
}

// NewRegistry creates a registry for dir. Call Reload to populate it.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:  dir,
		defs: make(map[string]*Definition),
	}
}

// Reload re-reads every definition file. The previous set is replaced
// atomically; a read error leaves it untouched.
func (r *Registry) Reload() error {
	defs, err := LoadDefinitions(r.dir)
	if err != nil {
		return err
	}

	next := make(map[string]*Definition, len(defs))
	for _, def := range defs {
		if _, dup := next[def.ID]; dup {
			log.Printf("[Workflow] Warning: duplicate workflow id %s in %s, keeping the first", def.ID, r.dir)
			continue
		}
		next[def.ID] = def
	}

	r.mu.Lock()
	r.defs = next
	r.mu.Unlock()
	return nil
}

// Get returns the definition with the given id
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	return def, nil
}

// List returns all definitions ordered by id
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Watch reloads the registry whenever a definition file changes, until ctx
// is done. Bursts of events are coalesced with a short debounce. onReload,
// if non-nil, is called after every reload attempt.
func (r *Registry) Watch(ctx context.Context, onReload func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}
	log.Printf("[Workflow] Watching %s for definition changes", r.dir)

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			err := r.Reload()
			if err != nil {
				log.Printf("[Workflow] Warning: reload of %s failed: %v", r.dir, err)
			} else {
				log.Printf("[Workflow] Reloaded %d workflow definitions from %s", len(r.List()), r.dir)
			}
			if onReload != nil {
				onReload(err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[Workflow] Watcher error: %v", err)
		}
	}
}
