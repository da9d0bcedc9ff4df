package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const catalogDebounce = 100 * time.Millisecond

// CatalogWatcher reloads the plan catalog when its file changes.
type CatalogWatcher struct {
	catalog  *Catalog
	path     string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	onReload func([]Plan)
}

// NewCatalogWatcher creates a watcher for the catalog file at path.
func NewCatalogWatcher(catalog *Catalog, path string) (*CatalogWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &CatalogWatcher{
		catalog:  catalog,
		path:     filepath.Clean(path),
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked after every successful reload.
func (cw *CatalogWatcher) OnReload(fn func([]Plan)) {
	cw.onReload = fn
}

// Start begins watching the catalog's directory. Editors often replace
// files by rename, so the directory rather than the file is watched.
func (cw *CatalogWatcher) Start() error {
	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		return err
	}
	go cw.watchForChanges()
	log.Info().Str("path", cw.path).Msg("Watching plan catalog for changes")
	return nil
}

// Stop stops the watcher.
func (cw *CatalogWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.watcher.Close()
	})
}

func (cw *CatalogWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Wait for the writer to finish.
			time.Sleep(catalogDebounce)
			cw.reload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", cw.path).Msg("Plan catalog watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *CatalogWatcher) reload() {
	if _, err := os.Stat(cw.path); err != nil {
		return
	}
	plans, err := LoadPlans(cw.path)
	if err != nil {
		log.Error().Err(err).Str("path", cw.path).Msg("Ignoring invalid plan catalog edit")
		return
	}
	cw.catalog.Replace(plans)
	log.Info().Int("plans", len(plans)).Str("path", cw.path).Msg("Plan catalog reloaded")
	if cw.onReload != nil {
		cw.onReload(plans)
	}
}
