package hyperspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/hyperspace/internal/loggingutil"
)

// masterFileDebounce coalesces the event bursts editors and atomic renames
// produce into one reload.
const masterFileDebounce = 250 * time.Millisecond

type masterFileDoc struct {
	Masters []string `yaml:"masters"`
}

// LoadMasterFile reads a YAML master address file of the form
//
//	masters:
//	  - master-a.example.com:38040
//	  - master-b.example.com:38040
//
// and returns the normalized, deduplicated address list.
func LoadMasterFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hyperspace: read master file: %w", err)
	}
	var doc masterFileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("hyperspace: parse master file %s: %w", path, err)
	}
	normalized, err := normalizeMasterAddresses(doc.Masters)
	if err != nil {
		return nil, fmt.Errorf("hyperspace: master file %s: %w", path, err)
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("hyperspace: master file %s lists no masters", path)
	}
	return normalized, nil
}

// MasterFileWatcher watches a master address file and pushes every change
// into a session via SetMasterAddresses. It watches the file's directory so
// atomic replace-by-rename updates are seen.
type MasterFileWatcher struct {
	path     string
	session  *Session
	logger   pslog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// WatchMasterFile starts watching path for changes. It does not perform an
// initial load; callers seed the session's master list from Config or
// LoadMasterFile before starting the watcher.
func WatchMasterFile(path string, session *Session, logger pslog.Logger) (*MasterFileWatcher, error) {
	if session == nil {
		return nil, fmt.Errorf("hyperspace: session required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("hyperspace: resolve master file path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("hyperspace: create master file watcher: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("hyperspace: watch master file directory %q: %w", dir, err)
	}
	w := &MasterFileWatcher{
		path:     abs,
		session:  session,
		logger:   loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "masterfile"),
		watcher:  watcher,
		debounce: masterFileDebounce,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	w.logger.Info("masterfile.watch", "path", abs)
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *MasterFileWatcher) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.watcher.Close()
	})
	<-w.done
	return nil
}

func (w *MasterFileWatcher) run() {
	defer close(w.done)
	var pending <-chan time.Time
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("masterfile.watch_error", "error", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *MasterFileWatcher) reload() {
	addrs, err := LoadMasterFile(w.path)
	if err != nil {
		w.logger.Warn("masterfile.reload_failed", "path", w.path, "error", err)
		return
	}
	if err := w.session.SetMasterAddresses(addrs); err != nil {
		w.logger.Warn("masterfile.reload_failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("masterfile.reloaded", "path", w.path, "masters", len(addrs))
}
