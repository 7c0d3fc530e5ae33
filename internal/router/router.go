package router

import (
	"fmt"
	"strconv"
	"sync"

	"treewatch/internal/logging"
	"treewatch/internal/metrics"
	"treewatch/internal/tree"
)

// Router owns a set of independently startable watchers on one target node
// and fans classified mutations out to per-event listener lists.
type Router struct {
	mu        sync.Mutex
	doc       *tree.Document
	target    *tree.Node
	nextID    int
	watchers  []*descriptor
	listeners map[EventType][]Listener
	logger    *logging.Logger
	metrics   *metrics.Registry
}

type descriptor struct {
	id       int
	kind     Kind
	config   tree.Config
	filters  []Predicate
	observer *tree.Observer
	started  bool
}

// WatcherInfo is a read-only view of a registered watcher.
type WatcherInfo struct {
	ID      int  `json:"id"`
	Kind    Kind `json:"kind"`
	Started bool `json:"started"`
	Filters int  `json:"filters"`
}

type RouterOptions struct {
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// New creates a router observing target within doc. The target is either a
// selector string resolved through the document (first match, root
// fallback) or a *tree.Node.
func New(doc *tree.Document, target any) (*Router, error) {
	return NewWithOptions(doc, target, RouterOptions{})
}

func NewWithOptions(doc *tree.Document, target any, options RouterOptions) (*Router, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document is required", ErrInvalidTarget)
	}

	var node *tree.Node
	switch value := target.(type) {
	case string:
		node = doc.Query(value)
	case *tree.Node:
		node = value
	default:
		return nil, fmt.Errorf("%w: got %T", ErrInvalidTarget, target)
	}
	if node == nil {
		return nil, fmt.Errorf("%w: target resolved to nothing", ErrInvalidTarget)
	}

	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}

	listeners := make(map[EventType][]Listener, len(EventTypes()))
	for _, event := range EventTypes() {
		listeners[event] = nil
	}

	return &Router{
		doc:       doc,
		target:    node,
		listeners: listeners,
		logger:    options.Logger,
		metrics:   registry,
	}, nil
}

// Target returns the node this router observes.
func (r *Router) Target() *tree.Node {
	if r == nil {
		return nil
	}
	return r.target
}

// Watch registers a watcher of the given kind. The watcher is created
// stopped; ids are positive, strictly increasing, and never reused, even
// across failed calls.
func (r *Router) Watch(kind Kind, opts Options) (int, error) {
	if r == nil {
		return 0, ErrUnsupportedKind
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID

	var config tree.Config
	switch kind {
	case KindAttribute:
		config.Attributes = true
		config.AttributeOldValue = opts.OldValue
		config.Subtree = opts.Subtree
		for _, filter := range opts.Filters {
			if filter.attribute != "" {
				config.AttributeFilter = append(config.AttributeFilter, filter.attribute)
			}
		}
	case KindCharacterData:
		config.CharacterData = true
		config.CharacterDataOldValue = opts.OldValue
		config.Subtree = opts.Subtree
	case KindNodes:
		config.ChildList = true
		config.Subtree = opts.Subtree
	default:
		r.nextID--
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}

	var predicates []Predicate
	for _, filter := range opts.Filters {
		if filter.predicate != nil {
			predicates = append(predicates, filter.predicate)
		}
	}

	watcher := &descriptor{
		id:      id,
		kind:    kind,
		config:  config,
		filters: predicates,
	}
	watcher.observer = tree.NewObserver(r.route)
	r.watchers = append(r.watchers, watcher)
	r.mu.Unlock()

	r.logDebug("watcher registered", map[string]string{
		"watch_id": strconv.Itoa(id),
		"kind":     string(kind),
	})
	return id, nil
}

// Unwatch removes watchers. With ids, each named watcher is removed when it
// exists and is stopped. Without ids, the whole registry is cleared, but
// only when no watcher is started; a started watcher fails the call with
// nothing removed.
func (r *Router) Unwatch(ids ...int) bool {
	if r == nil {
		return false
	}

	if len(ids) == 0 {
		r.mu.Lock()
		for _, watcher := range r.watchers {
			if watcher.started {
				r.mu.Unlock()
				return false
			}
		}
		removed := r.watchers
		r.watchers = nil
		r.mu.Unlock()

		for _, watcher := range removed {
			watcher.observer.Disconnect()
		}
		if len(removed) > 0 {
			r.logDebug("registry cleared", map[string]string{
				"removed": strconv.Itoa(len(removed)),
			})
		}
		return true
	}

	ok := true
	for _, id := range ids {
		if !r.unwatchOne(id) {
			ok = false
		}
	}
	return ok
}

func (r *Router) unwatchOne(id int) bool {
	r.mu.Lock()
	for index, watcher := range r.watchers {
		if watcher.id != id {
			continue
		}
		if watcher.started {
			r.mu.Unlock()
			return false
		}
		r.watchers = append(r.watchers[:index], r.watchers[index+1:]...)
		r.mu.Unlock()

		watcher.observer.Disconnect()
		r.logDebug("watcher removed", map[string]string{
			"watch_id": strconv.Itoa(id),
		})
		return true
	}
	r.mu.Unlock()
	return false
}

// Start activates watchers. With ids, each named watcher is started when it
// exists and is stopped; anything else is ignored. Without ids, every
// stopped watcher is started.
func (r *Router) Start(ids ...int) {
	r.setStarted(true, ids)
}

// Stop deactivates watchers, symmetric to Start. A stopped watcher
// receives no further deliveries; a batch already handed to the dispatcher
// may still arrive once.
func (r *Router) Stop(ids ...int) {
	r.setStarted(false, ids)
}

func (r *Router) setStarted(started bool, ids []int) {
	if r == nil {
		return
	}

	r.mu.Lock()
	var transitioned []*descriptor
	if len(ids) == 0 {
		for _, watcher := range r.watchers {
			if watcher.started != started {
				transitioned = append(transitioned, watcher)
			}
		}
	} else {
		for _, id := range ids {
			// Scan the whole registry: the id may sit anywhere.
			for _, watcher := range r.watchers {
				if watcher.id == id && watcher.started != started {
					transitioned = append(transitioned, watcher)
					break
				}
			}
		}
	}
	target := r.target
	for _, watcher := range transitioned {
		watcher.started = started
	}
	active := 0
	for _, watcher := range r.watchers {
		if watcher.started {
			active++
		}
	}
	r.mu.Unlock()

	for _, watcher := range transitioned {
		if started {
			if err := watcher.observer.Observe(target, watcher.config); err != nil {
				r.mu.Lock()
				watcher.started = false
				r.mu.Unlock()
				r.logWarn("watcher start failed", map[string]string{
					"watch_id": strconv.Itoa(watcher.id),
					"error":    err.Error(),
				})
				continue
			}
			r.logDebug("watcher started", map[string]string{
				"watch_id": strconv.Itoa(watcher.id),
			})
			continue
		}
		watcher.observer.Disconnect()
		r.logDebug("watcher stopped", map[string]string{
			"watch_id": strconv.Itoa(watcher.id),
		})
	}
	r.metrics.SetWatchersActive(active)
}

// On appends a listener for event. Listeners run in registration order and
// are not de-duplicated. On panics with ErrUnsupportedEvent for an
// unrecognized event; the listener table is left unchanged.
func (r *Router) On(event EventType, listener Listener) *Router {
	if _, ok := ParseEventType(string(event)); !ok {
		panic(fmt.Errorf("%w: %q", ErrUnsupportedEvent, event))
	}
	if r == nil || listener == nil {
		return r
	}
	r.mu.Lock()
	r.listeners[event] = append(r.listeners[event], listener)
	r.mu.Unlock()
	return r
}

// Watchers lists registered watchers in registration order.
func (r *Router) Watchers() []WatcherInfo {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]WatcherInfo, 0, len(r.watchers))
	for _, watcher := range r.watchers {
		infos = append(infos, WatcherInfo{
			ID:      watcher.id,
			Kind:    watcher.kind,
			Started: watcher.started,
			Filters: len(watcher.filters),
		})
	}
	return infos
}

// route is the shared observer callback. It runs on the document dispatch
// goroutine, so invocations never overlap for one router.
func (r *Router) route(records []*tree.Record, observer *tree.Observer) {
	r.mu.Lock()
	var filters []Predicate
	for _, watcher := range r.watchers {
		if watcher.observer == observer {
			filters = watcher.filters
			break
		}
	}
	snapshot := make(map[EventType][]Listener, len(r.listeners))
	for event, listeners := range r.listeners {
		snapshot[event] = listeners
	}
	r.mu.Unlock()

	for _, record := range records {
		switch record.Type {
		case tree.RecordAttributes:
			r.fanOut(snapshot[EventAttributeChanged], filters, record.Target, Mutation{
				Event:    EventAttributeChanged,
				Node:     record.Target,
				Attr:     record.AttributeName,
				OldValue: record.OldValue,
			})
		case tree.RecordCharacterData:
			r.fanOut(snapshot[EventCharacterDataChanged], filters, record.Target, Mutation{
				Event:    EventCharacterDataChanged,
				Node:     record.Target,
				OldValue: record.OldValue,
			})
		case tree.RecordChildList:
			for _, node := range record.Added {
				r.fanOut(snapshot[EventAdded], filters, node, Mutation{
					Event: EventAdded,
					Node:  node,
				})
			}
			for _, node := range record.Removed {
				r.fanOut(snapshot[EventRemoved], filters, node, Mutation{
					Event: EventRemoved,
					Node:  node,
				})
			}
		}
	}

	// Drain anything queued behind this batch so it cannot be delivered
	// again on the next natural flush.
	observer.Take()
}

// fanOut invokes each listener once per passing predicate, or once
// unconditionally when the watcher has no predicates. A node passing N
// predicates yields N invocations per listener; callers rely on that
// multiplicity, so it is preserved as-is.
func (r *Router) fanOut(listeners []Listener, filters []Predicate, node *tree.Node, mutation Mutation) {
	r.metrics.IncRecordRouted(string(mutation.Event))
	if len(listeners) == 0 {
		return
	}
	if len(filters) == 0 {
		for _, listener := range listeners {
			listener(mutation)
			r.metrics.AddListenerCalls(1)
		}
		return
	}
	for _, listener := range listeners {
		calls := 0
		for _, filter := range filters {
			if filter(node) {
				listener(mutation)
				calls++
			}
		}
		r.metrics.AddListenerCalls(calls)
		if calls > 1 {
			r.metrics.AddFanOutDuplicates(calls - 1)
		}
	}
}

func (r *Router) logDebug(message string, fields map[string]string) {
	if r == nil || r.logger == nil {
		return
	}
	r.logger.Debug(message, withRouterFields(fields))
}

func (r *Router) logWarn(message string, fields map[string]string) {
	if r == nil || r.logger == nil {
		return
	}
	r.logger.Warn(message, withRouterFields(fields))
}

func withRouterFields(fields map[string]string) map[string]string {
	merged := make(map[string]string, len(fields)+1)
	merged["component"] = "router"
	for key, value := range fields {
		merged[key] = value
	}
	return merged
}
