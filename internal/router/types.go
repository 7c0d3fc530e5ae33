package router

import "treewatch/internal/tree"

// Kind selects the category of change a watcher subscribes to.
type Kind string

const (
	KindAttribute     Kind = "attribute"
	KindCharacterData Kind = "character_data"
	KindNodes         Kind = "nodes"
)

// EventType names the semantic events listeners register for.
type EventType string

const (
	EventAdded                EventType = "added"
	EventAttributeChanged     EventType = "attribute_changed"
	EventCharacterDataChanged EventType = "character_data_changed"
	EventRemoved              EventType = "removed"
)

// EventTypes lists every recognized event in a stable order.
func EventTypes() []EventType {
	return []EventType{
		EventAdded,
		EventAttributeChanged,
		EventCharacterDataChanged,
		EventRemoved,
	}
}

func ParseKind(value string) (Kind, bool) {
	switch Kind(value) {
	case KindAttribute, KindCharacterData, KindNodes:
		return Kind(value), true
	default:
		return "", false
	}
}

func ParseEventType(value string) (EventType, bool) {
	switch EventType(value) {
	case EventAdded, EventAttributeChanged, EventCharacterDataChanged, EventRemoved:
		return EventType(value), true
	default:
		return "", false
	}
}

// Predicate decides whether a node passes a watcher filter.
type Predicate func(*tree.Node) bool

// Filter is a tagged variant: either an attribute-name allowlist entry or a
// node predicate. Attribute names are pushed down into the subscription
// config at watch time; predicates are applied at dispatch time.
type Filter struct {
	attribute string
	predicate Predicate
}

// AttributeName builds a filter restricting which attribute changes the
// platform delivers. Only meaningful for KindAttribute; other kinds ignore
// it.
func AttributeName(name string) Filter {
	return Filter{attribute: name}
}

// Match builds a predicate filter applied per node at dispatch time,
// regardless of watcher kind.
func Match(predicate Predicate) Filter {
	return Filter{predicate: predicate}
}

// Options configures a watcher.
type Options struct {
	OldValue bool
	Subtree  bool
	Filters  []Filter
}

// Mutation is the payload handed to listeners. Attr and OldValue are only
// populated for the event types that carry them.
type Mutation struct {
	Event    EventType  `json:"event"`
	Node     *tree.Node `json:"-"`
	Attr     string     `json:"attr,omitempty"`
	OldValue string     `json:"old_value,omitempty"`
}

// EventName lets mutations ride typed event buses.
func (m Mutation) EventName() string {
	return string(m.Event)
}

// Listener receives routed mutations. Listeners are invoked in registration
// order; a panicking listener aborts delivery for the rest of the pass.
type Listener func(Mutation)
