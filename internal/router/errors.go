package router

import "errors"

var (
	// ErrInvalidTarget is returned by New when the target is neither a
	// selector string nor a node.
	ErrInvalidTarget = errors.New("target must be a selector string or a node")

	// ErrUnsupportedKind is returned by Watch for an unrecognized kind.
	ErrUnsupportedKind = errors.New("unsupported watcher kind")

	// ErrUnsupportedEvent is the panic value used by On for an
	// unrecognized event type.
	ErrUnsupportedEvent = errors.New("unsupported event type")
)
