package router

import (
	"errors"
	"testing"
	"time"

	"treewatch/internal/tree"
)

func newTestRouter(t *testing.T) (*Router, *tree.Document, *tree.Node) {
	t.Helper()
	doc := tree.NewDocument("app")
	t.Cleanup(doc.Close)

	section := tree.NewNode("section")
	section.SetAttribute("id", "main")
	if err := doc.Root().Append(section); err != nil {
		t.Fatalf("append section: %v", err)
	}

	r, err := New(doc, "#main")
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return r, doc, section
}

func waitForMutations(t *testing.T, mutations <-chan Mutation, want int) []Mutation {
	t.Helper()
	got := make([]Mutation, 0, want)
	deadline := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case mutation := <-mutations:
			got = append(got, mutation)
		case <-deadline:
			t.Fatalf("timed out: got %d of %d mutations", len(got), want)
		}
	}
	return got
}

func expectQuiet(t *testing.T, mutations <-chan Mutation) {
	t.Helper()
	select {
	case mutation := <-mutations:
		t.Fatalf("expected no further mutations, got %+v", mutation)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestNewRejectsInvalidTarget(t *testing.T) {
	doc := tree.NewDocument("app")
	defer doc.Close()

	if _, err := New(doc, 42); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
	if _, err := New(doc, nil); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget for nil, got %v", err)
	}
}

func TestNewFallsBackToRootForUnknownSelector(t *testing.T) {
	doc := tree.NewDocument("app")
	defer doc.Close()

	r, err := New(doc, "#missing")
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	if r.Target() != doc.Root() {
		t.Fatalf("expected root fallback, got %v", r.Target())
	}
}

func TestWatchIDsIncreaseAndSurviveFailedCalls(t *testing.T) {
	r, _, _ := newTestRouter(t)

	first, err := r.Watch(KindNodes, Options{})
	if err != nil {
		t.Fatalf("watch nodes: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected first id 1, got %d", first)
	}

	if _, err := r.Watch(Kind("bogus"), Options{}); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
	if got := len(r.Watchers()); got != 1 {
		t.Fatalf("expected registry untouched after failed watch, got %d entries", got)
	}

	second, err := r.Watch(KindAttribute, Options{})
	if err != nil {
		t.Fatalf("watch attribute: %v", err)
	}
	if second != first+1 {
		t.Fatalf("expected contiguous id %d after rollback, got %d", first+1, second)
	}
}

func TestOnPanicsForUnsupportedEvent(t *testing.T) {
	r, _, _ := newTestRouter(t)

	defer func() {
		recovered := recover()
		if recovered == nil {
			t.Fatal("expected panic for unsupported event")
		}
		err, ok := recovered.(error)
		if !ok || !errors.Is(err, ErrUnsupportedEvent) {
			t.Fatalf("expected ErrUnsupportedEvent, got %v", recovered)
		}
	}()
	r.On(EventType("exploded"), func(Mutation) {})
}

func TestOnIsChainable(t *testing.T) {
	r, _, section := newTestRouter(t)

	mutations := make(chan Mutation, 8)
	listener := func(mutation Mutation) { mutations <- mutation }
	if got := r.On(EventAdded, listener).On(EventRemoved, listener); got != r {
		t.Fatal("expected On to return the router itself")
	}

	id, err := r.Watch(KindNodes, Options{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	r.Start(id)

	child := tree.NewNode("item")
	if err := section.Append(child); err != nil {
		t.Fatalf("append: %v", err)
	}
	section.RemoveChild(child)

	got := waitForMutations(t, mutations, 2)
	if got[0].Event != EventAdded || got[1].Event != EventRemoved {
		t.Fatalf("unexpected event order: %+v", got)
	}
}

func TestNodesSubtreeFiresAddedPerInsertedNode(t *testing.T) {
	r, _, section := newTestRouter(t)

	mutations := make(chan Mutation, 8)
	r.On(EventAdded, func(mutation Mutation) { mutations <- mutation })

	id, err := r.Watch(KindNodes, Options{Subtree: true})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	r.Start(id)

	first := tree.NewNode("first")
	second := tree.NewNode("second")
	if err := section.Append(first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := first.Append(second); err != nil {
		t.Fatalf("append second: %v", err)
	}

	got := waitForMutations(t, mutations, 2)
	if got[0].Node != first || got[1].Node != second {
		t.Fatalf("expected insertion order delivery, got %+v", got)
	}
	expectQuiet(t, mutations)
}

func TestPredicateFanOutInvokesOncePerMatchingFilter(t *testing.T) {
	r, _, section := newTestRouter(t)

	mutations := make(chan Mutation, 8)
	r.On(EventAttributeChanged, func(mutation Mutation) { mutations <- mutation })

	always := func(*tree.Node) bool { return true }
	id, err := r.Watch(KindAttribute, Options{
		OldValue: true,
		Filters:  []Filter{Match(always), Match(always)},
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	r.Start(id)

	section.SetAttribute("state", "open")

	// One change, two passing predicates: the listener fires twice.
	got := waitForMutations(t, mutations, 2)
	for _, mutation := range got {
		if mutation.Attr != "state" || mutation.Node != section {
			t.Fatalf("unexpected mutation %+v", mutation)
		}
	}
	expectQuiet(t, mutations)
}

func TestNodesPredicateFanOutAppliesPerChild(t *testing.T) {
	r, _, section := newTestRouter(t)

	mutations := make(chan Mutation, 8)
	r.On(EventAdded, func(mutation Mutation) { mutations <- mutation })
	r.On(EventRemoved, func(mutation Mutation) { mutations <- mutation })

	isItem := func(node *tree.Node) bool { return node.Name() == "item" }
	id, err := r.Watch(KindNodes, Options{
		Filters: []Filter{Match(isItem), Match(isItem)},
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	r.Start(id)

	item := tree.NewNode("item")
	aside := tree.NewNode("aside")
	if err := section.Append(item); err != nil {
		t.Fatalf("append item: %v", err)
	}
	if err := section.Append(aside); err != nil {
		t.Fatalf("append aside: %v", err)
	}

	// item passes both predicates, aside passes neither.
	got := waitForMutations(t, mutations, 2)
	for _, mutation := range got {
		if mutation.Event != EventAdded || mutation.Node != item {
			t.Fatalf("unexpected mutation %+v", mutation)
		}
	}
	expectQuiet(t, mutations)

	section.RemoveChild(aside)
	section.RemoveChild(item)

	got = waitForMutations(t, mutations, 2)
	for _, mutation := range got {
		if mutation.Event != EventRemoved || mutation.Node != item {
			t.Fatalf("unexpected mutation %+v", mutation)
		}
	}
	expectQuiet(t, mutations)
}

func TestListenerMutationBacklogIsFlushed(t *testing.T) {
	r, _, section := newTestRouter(t)

	mutations := make(chan Mutation, 8)
	rearmed := false
	r.On(EventAttributeChanged, func(mutation Mutation) {
		// Mutating the target mid-pass queues a record behind the
		// batch being routed; the flush must swallow it.
		if !rearmed {
			rearmed = true
			section.SetAttribute("state", "closing")
		}
		mutations <- mutation
	})

	id, err := r.Watch(KindAttribute, Options{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	r.Start(id)

	section.SetAttribute("state", "open")

	got := waitForMutations(t, mutations, 1)
	if got[0].Attr != "state" {
		t.Fatalf("unexpected mutation %+v", got[0])
	}
	expectQuiet(t, mutations)

	// The flush drains the backlog only; later changes still route.
	section.SetAttribute("state", "done")
	got = waitForMutations(t, mutations, 1)
	if got[0].Attr != "state" {
		t.Fatalf("unexpected mutation %+v", got[0])
	}
	expectQuiet(t, mutations)
}

func TestPredicateRejectionSuppressesDelivery(t *testing.T) {
	r, _, section := newTestRouter(t)

	mutations := make(chan Mutation, 8)
	r.On(EventAttributeChanged, func(mutation Mutation) { mutations <- mutation })

	never := func(*tree.Node) bool { return false }
	id, err := r.Watch(KindAttribute, Options{Filters: []Filter{Match(never)}})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	r.Start(id)

	section.SetAttribute("state", "open")
	expectQuiet(t, mutations)
}

func TestAttributeNameFilterBecomesAllowlist(t *testing.T) {
	r, _, section := newTestRouter(t)

	mutations := make(chan Mutation, 8)
	r.On(EventAttributeChanged, func(mutation Mutation) { mutations <- mutation })

	id, err := r.Watch(KindAttribute, Options{
		Filters: []Filter{AttributeName("state")},
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	r.Start(id)

	section.SetAttribute("class", "hidden")
	section.SetAttribute("state", "open")

	got := waitForMutations(t, mutations, 1)
	if got[0].Attr != "state" {
		t.Fatalf("expected only allowlisted attribute, got %+v", got[0])
	}
	expectQuiet(t, mutations)
}

func TestDuplicateListenerInvokedTwice(t *testing.T) {
	r, _, section := newTestRouter(t)

	mutations := make(chan Mutation, 8)
	listener := func(mutation Mutation) { mutations <- mutation }
	r.On(EventAttributeChanged, listener).On(EventAttributeChanged, listener)

	id, err := r.Watch(KindAttribute, Options{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	r.Start(id)

	section.SetAttribute("state", "open")
	waitForMutations(t, mutations, 2)
	expectQuiet(t, mutations)
}

func TestDoubleStartDeliversOnce(t *testing.T) {
	r, _, section := newTestRouter(t)

	mutations := make(chan Mutation, 8)
	r.On(EventAttributeChanged, func(mutation Mutation) { mutations <- mutation })

	id, err := r.Watch(KindAttribute, Options{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	r.Start(id)
	r.Start(id)

	section.SetAttribute("state", "open")
	waitForMutations(t, mutations, 1)
	expectQuiet(t, mutations)

	infos := r.Watchers()
	if len(infos) != 1 || !infos[0].Started {
		t.Fatalf("expected single started watcher, got %+v", infos)
	}
}

func TestStopSilencesSubsequentMutations(t *testing.T) {
	r, _, section := newTestRouter(t)

	mutations := make(chan Mutation, 8)
	r.On(EventCharacterDataChanged, func(mutation Mutation) { mutations <- mutation })

	id, err := r.Watch(KindCharacterData, Options{Subtree: true})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	r.Start(id)

	text := tree.NewNode("text")
	if err := section.Append(text); err != nil {
		t.Fatalf("append text: %v", err)
	}
	text.SetText("before stop")
	waitForMutations(t, mutations, 1)

	r.Stop()
	text.SetText("after stop")
	expectQuiet(t, mutations)
}

func TestUnwatchAllFailsWhileAnyWatcherStarted(t *testing.T) {
	r, _, _ := newTestRouter(t)

	startedID, err := r.Watch(KindNodes, Options{})
	if err != nil {
		t.Fatalf("watch started: %v", err)
	}
	if _, err := r.Watch(KindAttribute, Options{}); err != nil {
		t.Fatalf("watch stopped: %v", err)
	}
	r.Start(startedID)

	if r.Unwatch() {
		t.Fatal("expected Unwatch() to fail with a started watcher")
	}

	infos := r.Watchers()
	if len(infos) != 2 {
		t.Fatalf("expected registry unchanged, got %+v", infos)
	}
	if !infos[0].Started {
		t.Fatalf("expected started watcher to remain started, got %+v", infos[0])
	}
}

func TestUnwatchByIDRequiresStoppedWatcher(t *testing.T) {
	r, _, _ := newTestRouter(t)

	id, err := r.Watch(KindNodes, Options{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	r.Start(id)

	if r.Unwatch(id) {
		t.Fatal("expected Unwatch on a started watcher to fail")
	}
	if r.Unwatch(999) {
		t.Fatal("expected Unwatch on an unknown id to fail")
	}

	r.Stop(id)
	if !r.Unwatch(id) {
		t.Fatal("expected Unwatch on a stopped watcher to succeed")
	}
	if r.Unwatch(id) {
		t.Fatal("expected second Unwatch on the same id to fail")
	}
}

func TestUnwatchAllClearsStoppedRegistry(t *testing.T) {
	r, _, _ := newTestRouter(t)

	for i := 0; i < 3; i++ {
		if _, err := r.Watch(KindNodes, Options{}); err != nil {
			t.Fatalf("watch %d: %v", i, err)
		}
	}

	if !r.Unwatch() {
		t.Fatal("expected Unwatch() to succeed with all watchers stopped")
	}
	if got := len(r.Watchers()); got != 0 {
		t.Fatalf("expected empty registry, got %d entries", got)
	}
}

func TestRoundTripLifecycle(t *testing.T) {
	r, _, section := newTestRouter(t)

	mutations := make(chan Mutation, 8)
	r.On(EventAdded, func(mutation Mutation) { mutations <- mutation })

	id, err := r.Watch(KindNodes, Options{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	r.Start(id)

	if err := section.Append(tree.NewNode("item")); err != nil {
		t.Fatalf("append: %v", err)
	}
	waitForMutations(t, mutations, 1)

	r.Stop(id)
	if !r.Unwatch(id) {
		t.Fatal("expected unwatch to succeed after stop")
	}
	if r.Unwatch(id) {
		t.Fatal("expected second unwatch to fail")
	}

	if err := section.Append(tree.NewNode("late")); err != nil {
		t.Fatalf("append: %v", err)
	}
	expectQuiet(t, mutations)
}

func TestStartAfterStopResumesDelivery(t *testing.T) {
	r, _, section := newTestRouter(t)

	mutations := make(chan Mutation, 8)
	r.On(EventAttributeChanged, func(mutation Mutation) { mutations <- mutation })

	id, err := r.Watch(KindAttribute, Options{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	r.Start(id)
	r.Stop(id)
	r.Start(id)

	section.SetAttribute("state", "open")
	waitForMutations(t, mutations, 1)
	expectQuiet(t, mutations)
}
