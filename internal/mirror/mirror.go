package mirror

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"treewatch/internal/logging"
	"treewatch/internal/metrics"
	"treewatch/internal/tree"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce   = 100 * time.Millisecond
	defaultMaxWatches = 200
)

var ErrMaxWatchesExceeded = errors.New("max watches exceeded")

// Options controls mirror behavior.
type Options struct {
	Root       string
	Logger     *logging.Logger
	Metrics    *metrics.Registry
	Debounce   time.Duration
	MaxWatches int
}

// Mirror keeps a tree.Document in sync with a directory subtree. Files and
// directories become nodes; writes become text changes; mode changes become
// attribute changes; creates and removals become child-list changes. The
// document is the observation surface; routers watch it, not the
// filesystem.
type Mirror struct {
	doc        *tree.Document
	fs         *fsnotify.Watcher
	mutex      sync.Mutex
	nodes      map[string]*tree.Node
	watched    map[string]struct{}
	debouncer  *debouncer
	events     chan fsnotify.Event
	errors     chan error
	done       chan struct{}
	closed     bool
	root       string
	logger     *logging.Logger
	registry   *metrics.Registry
	maxWatches int
}

func New(options Options) (*Mirror, error) {
	root, err := filepath.Abs(options.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	maxWatches := options.MaxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}
	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}

	mirror := &Mirror{
		doc:        tree.NewDocument(filepath.Base(root)),
		fs:         fsWatcher,
		nodes:      make(map[string]*tree.Node),
		watched:    make(map[string]struct{}),
		debouncer:  newDebouncer(debounce),
		events:     make(chan fsnotify.Event, 16),
		errors:     make(chan error, 4),
		done:       make(chan struct{}),
		root:       root,
		logger:     options.Logger,
		registry:   registry,
		maxWatches: maxWatches,
	}

	mirror.nodes[root] = mirror.doc.Root()
	decorate(mirror.doc.Root(), info)
	mirror.doc.Root().SetAttribute("path", ".")

	if err := mirror.snapshot(); err != nil {
		_ = fsWatcher.Close()
		mirror.doc.Close()
		return nil, err
	}

	mirror.startForwarder(fsWatcher)
	go mirror.run()
	return mirror, nil
}

// Document returns the mirrored tree.
func (m *Mirror) Document() *tree.Document {
	if m == nil {
		return nil
	}
	return m.doc
}

// Close stops watching and releases the document.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}

	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil
	}
	m.closed = true
	if m.debouncer != nil {
		m.debouncer.stop()
	}
	m.mutex.Unlock()

	close(m.done)
	m.doc.Close()
	if m.fs == nil {
		return nil
	}
	return m.fs.Close()
}

func (m *Mirror) startForwarder(source *fsnotify.Watcher) {
	go func() {
		for {
			select {
			case event, ok := <-source.Events:
				if !ok {
					return
				}
				select {
				case m.events <- event:
				case <-m.done:
					return
				}
			case err, ok := <-source.Errors:
				if !ok {
					return
				}
				select {
				case m.errors <- err:
				case <-m.done:
					return
				}
			case <-m.done:
				return
			}
		}
	}()
}

func (m *Mirror) run() {
	for {
		select {
		case event := <-m.events:
			m.handleEvent(event)
		case err := <-m.errors:
			m.registry.IncMirrorError()
			m.logWarn("watch error", map[string]string{"error": err.Error()})
		case <-m.done:
			return
		}
	}
}

func (m *Mirror) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	switch {
	case event.Has(fsnotify.Create):
		m.applyCreate(path)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		m.applyRemove(path)
	case event.Has(fsnotify.Write):
		m.scheduleRefresh(path, refreshText)
	case event.Has(fsnotify.Chmod):
		m.scheduleRefresh(path, refreshMode)
	}
}

type refreshKind int

const (
	refreshText refreshKind = iota
	refreshMode
)

func (m *Mirror) scheduleRefresh(path string, kind refreshKind) {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}
	dropped := m.debouncer.schedule(path, kind, m.flushRefresh)
	m.mutex.Unlock()
	if dropped {
		m.registry.IncMirrorDropped()
	}
}

func (m *Mirror) flushRefresh(path string) {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}
	kinds, ok := m.debouncer.pop(path)
	node := m.nodes[path]
	m.mutex.Unlock()
	if !ok || node == nil {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// The file went away; the Remove event prunes the node.
		return
	}

	m.registry.IncMirrorEvent()
	if kinds.has(refreshText) && !info.IsDir() {
		node.SetText(digest(info))
	}
	if kinds.has(refreshMode) {
		node.SetAttribute("mode", info.Mode().Perm().String())
	}
}

func (m *Mirror) applyCreate(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}
	if _, exists := m.nodes[path]; exists {
		m.mutex.Unlock()
		return
	}
	parent := m.nodes[filepath.Dir(path)]
	m.mutex.Unlock()
	if parent == nil {
		return
	}

	node := m.buildNode(path, info)
	if err := parent.Append(node); err != nil {
		m.logWarn("append failed", map[string]string{"path": path, "error": err.Error()})
		return
	}

	m.mutex.Lock()
	m.nodes[path] = node
	m.mutex.Unlock()
	m.registry.IncMirrorEvent()

	if info.IsDir() {
		if err := m.watchDir(path); err != nil {
			m.logWarn("watch add failed", map[string]string{"path": path, "error": err.Error()})
		}
		// Children may have been created before the watch landed.
		m.adoptChildren(path)
	}
}

func (m *Mirror) adoptChildren(path string) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return
	}
	for _, entry := range entries {
		m.applyCreate(filepath.Join(path, entry.Name()))
	}
}

func (m *Mirror) applyRemove(path string) {
	m.mutex.Lock()
	node := m.nodes[path]
	if node == nil {
		m.mutex.Unlock()
		return
	}
	delete(m.nodes, path)
	prefix := path + string(os.PathSeparator)
	for candidate := range m.nodes {
		if strings.HasPrefix(candidate, prefix) {
			delete(m.nodes, candidate)
		}
	}
	for candidate := range m.watched {
		if candidate == path || strings.HasPrefix(candidate, prefix) {
			delete(m.watched, candidate)
		}
	}
	watchCount := len(m.watched)
	m.mutex.Unlock()

	if parent := node.Parent(); parent != nil {
		parent.RemoveChild(node)
		m.registry.IncMirrorEvent()
	}
	m.registry.SetMirrorWatches(watchCount)
}

func (m *Mirror) watchDir(path string) error {
	m.mutex.Lock()
	if _, exists := m.watched[path]; exists {
		m.mutex.Unlock()
		return nil
	}
	if len(m.watched) >= m.maxWatches {
		m.mutex.Unlock()
		return ErrMaxWatchesExceeded
	}
	m.watched[path] = struct{}{}
	watchCount := len(m.watched)
	m.mutex.Unlock()

	if err := m.fs.Add(path); err != nil {
		m.mutex.Lock()
		delete(m.watched, path)
		m.mutex.Unlock()
		return err
	}
	m.registry.SetMirrorWatches(watchCount)
	m.logDebug("watch added", path, watchCount)
	return nil
}

func (m *Mirror) buildNode(path string, info fs.FileInfo) *tree.Node {
	node := tree.NewNode(filepath.Base(path))
	decorate(node, info)
	if rel, err := filepath.Rel(m.root, path); err == nil {
		node.SetAttribute("path", rel)
	}
	if !info.IsDir() {
		node.SetText(digest(info))
	}
	return node
}

func decorate(node *tree.Node, info fs.FileInfo) {
	node.SetAttribute("mode", info.Mode().Perm().String())
	if info.IsDir() {
		node.SetAttribute("type", "dir")
		return
	}
	node.SetAttribute("type", "file")
	node.SetAttribute("size", strconv.FormatInt(info.Size(), 10))
}

func digest(info fs.FileInfo) string {
	return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano())
}

func (m *Mirror) logDebug(message, path string, watchCount int) {
	if m == nil || m.logger == nil {
		return
	}
	m.logger.Debug(message, map[string]string{
		"component":      "mirror",
		"path":           path,
		"active_watches": strconv.Itoa(watchCount),
	})
}

func (m *Mirror) logWarn(message string, fields map[string]string) {
	if m == nil || m.logger == nil {
		return
	}
	merged := map[string]string{"component": "mirror"}
	for key, value := range fields {
		merged[key] = value
	}
	m.logger.Warn(message, merged)
}
