package mirror

import "time"

type kindSet uint8

func (s kindSet) has(kind refreshKind) bool {
	return s&(1<<kind) != 0
}

type debounceEntry struct {
	timer *time.Timer
	kinds kindSet
}

// debouncer coalesces refresh work per path. Callers hold the mirror mutex.
type debouncer struct {
	duration time.Duration
	entries  map[string]debounceEntry
}

func newDebouncer(duration time.Duration) *debouncer {
	return &debouncer{
		duration: duration,
		entries:  make(map[string]debounceEntry),
	}
}

func (d *debouncer) schedule(path string, kind refreshKind, flush func(string)) bool {
	if d == nil {
		return false
	}
	entry := d.entries[path]
	dropped := entry.timer != nil
	entry.kinds |= 1 << kind
	if entry.timer == nil {
		entry.timer = time.AfterFunc(d.duration, func() {
			flush(path)
		})
	} else {
		entry.timer.Reset(d.duration)
	}
	d.entries[path] = entry
	return dropped
}

func (d *debouncer) pop(path string) (kindSet, bool) {
	if d == nil {
		return 0, false
	}
	entry, ok := d.entries[path]
	if !ok {
		return 0, false
	}
	delete(d.entries, path)
	return entry.kinds, true
}

func (d *debouncer) stop() {
	if d == nil {
		return
	}
	for path, entry := range d.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(d.entries, path)
	}
}
