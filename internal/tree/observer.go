package tree

import "errors"

var (
	ErrDetachedTarget = errors.New("target node is not attached to a document")
	ErrNoCallback     = errors.New("observer callback is required")
)

type RecordType string

const (
	RecordAttributes    RecordType = "attributes"
	RecordCharacterData RecordType = "characterData"
	RecordChildList     RecordType = "childList"
)

// Record is one observed change. Records are delivered in batches and are
// never retained by the document after delivery.
type Record struct {
	Type          RecordType
	Target        *Node
	AttributeName string
	OldValue      string
	Added         []*Node
	Removed       []*Node
}

// Config selects which changes a subscription receives.
type Config struct {
	Attributes            bool
	AttributeFilter       []string
	AttributeOldValue     bool
	CharacterData         bool
	CharacterDataOldValue bool
	ChildList             bool
	Subtree               bool
}

// Observer is one subscription to a document. Batches are handed to the
// callback on the document's dispatch goroutine; the callback receives the
// originating observer so shared callbacks can tell subscriptions apart.
type Observer struct {
	callback func([]*Record, *Observer)

	// Guarded by the owning document's mutex once observing.
	doc       *Document
	target    *Node
	config    Config
	pending   []*Record
	scheduled bool
}

func NewObserver(callback func([]*Record, *Observer)) *Observer {
	return &Observer{callback: callback}
}

// Observe binds the observer to a node with the given config. Calling
// Observe on an already-bound observer rebinds it and drops any pending
// records from the previous binding.
func (o *Observer) Observe(target *Node, config Config) error {
	if o == nil || o.callback == nil {
		return ErrNoCallback
	}
	if target == nil || target.doc == nil {
		return ErrDetachedTarget
	}
	d := target.doc
	// Detach under the previous document's lock before touching the new
	// one; the observer's pending queue belongs to whichever document
	// holds it.
	if previous := o.doc; previous != nil && previous != d {
		previous.mu.Lock()
		previous.removeObserverLocked(o)
		previous.mu.Unlock()
	}
	d.mu.Lock()
	o.doc = d
	o.target = target
	o.config = config
	o.pending = nil
	d.observers[o] = struct{}{}
	d.mu.Unlock()
	return nil
}

// Disconnect stops delivery and drops pending records. Further mutations
// produce no records for this observer until Observe is called again.
func (o *Observer) Disconnect() {
	if o == nil {
		return
	}
	d := o.doc
	if d == nil {
		return
	}
	d.mu.Lock()
	d.removeObserverLocked(o)
	d.mu.Unlock()
}

// Take drains and returns records queued but not yet delivered.
func (o *Observer) Take() []*Record {
	if o == nil {
		return nil
	}
	d := o.doc
	if d == nil {
		return nil
	}
	d.mu.Lock()
	batch := o.pending
	o.pending = nil
	d.mu.Unlock()
	return batch
}

func (d *Document) removeObserverLocked(o *Observer) {
	delete(d.observers, o)
	o.pending = nil
	o.target = nil
}
