package tree

import (
	"errors"
	"strings"
	"sync"
)

var ErrInvalidChild = errors.New("invalid child node")

// Document owns a tree root and serializes observer delivery. All observer
// callbacks for one document run on a single dispatch goroutine, in the
// order the originating mutations happened.
type Document struct {
	mu        sync.Mutex
	root      *Node
	observers map[*Observer]struct{}
	queue     []*Observer
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewDocument(rootName string) *Document {
	if rootName == "" {
		rootName = "root"
	}
	d := &Document{
		root:      NewNode(rootName),
		observers: make(map[*Observer]struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	d.root.doc = d
	go d.dispatchLoop()
	return d
}

func (d *Document) Root() *Node {
	if d == nil {
		return nil
	}
	return d.root
}

// Query resolves a selector to the first matching node in document order.
// "#value" matches the id attribute, anything else matches the node name.
// When nothing matches, the document root is returned.
func (d *Document) Query(selector string) *Node {
	if d == nil {
		return nil
	}
	selector = strings.TrimSpace(selector)
	d.mu.Lock()
	defer d.mu.Unlock()

	if selector == "" {
		return d.root
	}
	match := func(node *Node) bool {
		return node.name == selector
	}
	if strings.HasPrefix(selector, "#") {
		id := strings.TrimPrefix(selector, "#")
		match = func(node *Node) bool {
			return node.attrs["id"] == id
		}
	}
	if found := findFirst(d.root, match); found != nil {
		return found
	}
	return d.root
}

// NodeCount reports the number of nodes currently attached, root included.
func (d *Document) NodeCount() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return countNodes(d.root)
}

// Close stops the dispatch goroutine. Pending batches are abandoned.
func (d *Document) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		close(d.done)
	})
}

func (d *Document) dispatchLoop() {
	for {
		select {
		case <-d.wake:
		case <-d.done:
			return
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			observer := d.queue[0]
			d.queue = d.queue[1:]
			observer.scheduled = false
			batch := observer.pending
			observer.pending = nil
			callback := observer.callback
			d.mu.Unlock()

			if len(batch) > 0 && callback != nil {
				callback(batch, observer)
			}
		}
	}
}

func (d *Document) wakeDispatch() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Document) recordAttributeLocked(target *Node, name, oldValue string) {
	for observer := range d.observers {
		config := observer.config
		if !config.Attributes || !d.scopeMatchesLocked(observer, target) {
			continue
		}
		if len(config.AttributeFilter) > 0 && !containsString(config.AttributeFilter, name) {
			continue
		}
		record := &Record{
			Type:          RecordAttributes,
			Target:        target,
			AttributeName: name,
		}
		if config.AttributeOldValue {
			record.OldValue = oldValue
		}
		d.enqueueLocked(observer, record)
	}
}

func (d *Document) recordCharacterDataLocked(target *Node, oldValue string) {
	for observer := range d.observers {
		config := observer.config
		if !config.CharacterData || !d.scopeMatchesLocked(observer, target) {
			continue
		}
		record := &Record{
			Type:   RecordCharacterData,
			Target: target,
		}
		if config.CharacterDataOldValue {
			record.OldValue = oldValue
		}
		d.enqueueLocked(observer, record)
	}
}

func (d *Document) recordChildListLocked(target *Node, added, removed []*Node) {
	for observer := range d.observers {
		config := observer.config
		if !config.ChildList || !d.scopeMatchesLocked(observer, target) {
			continue
		}
		d.enqueueLocked(observer, &Record{
			Type:    RecordChildList,
			Target:  target,
			Added:   added,
			Removed: removed,
		})
	}
}

func (d *Document) scopeMatchesLocked(observer *Observer, target *Node) bool {
	if observer.target == target {
		return true
	}
	return observer.config.Subtree && isAncestor(observer.target, target)
}

func (d *Document) enqueueLocked(observer *Observer, record *Record) {
	observer.pending = append(observer.pending, record)
	if !observer.scheduled {
		observer.scheduled = true
		d.queue = append(d.queue, observer)
	}
}

func findFirst(node *Node, match func(*Node) bool) *Node {
	if match(node) {
		return node
	}
	for _, child := range node.children {
		if found := findFirst(child, match); found != nil {
			return found
		}
	}
	return nil
}

func countNodes(node *Node) int {
	count := 1
	for _, child := range node.children {
		count += countNodes(child)
	}
	return count
}

func containsString(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}
