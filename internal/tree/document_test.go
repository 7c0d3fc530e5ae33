package tree

import (
	"testing"
	"time"
)

func buildDocument(t *testing.T) (*Document, *Node) {
	t.Helper()
	doc := NewDocument("app")
	t.Cleanup(doc.Close)

	section := NewNode("section")
	section.SetAttribute("id", "main")
	if err := doc.Root().Append(section); err != nil {
		t.Fatalf("append section: %v", err)
	}
	return doc, section
}

func waitForBatch(t *testing.T, batches <-chan []*Record) []*Record {
	t.Helper()
	select {
	case batch := <-batches:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record batch")
		return nil
	}
}

func TestQueryByIDAndName(t *testing.T) {
	doc, section := buildDocument(t)

	if got := doc.Query("#main"); got != section {
		t.Fatalf("expected #main to resolve to section, got %v", got)
	}
	if got := doc.Query("section"); got != section {
		t.Fatalf("expected name query to resolve to section, got %v", got)
	}
	if got := doc.Query("#missing"); got != doc.Root() {
		t.Fatalf("expected root fallback for unknown selector, got %v", got)
	}
	if got := doc.Query(""); got != doc.Root() {
		t.Fatalf("expected root for empty selector, got %v", got)
	}
}

func TestObserverReceivesAttributeRecords(t *testing.T) {
	doc, section := buildDocument(t)

	batches := make(chan []*Record, 4)
	observer := NewObserver(func(records []*Record, _ *Observer) {
		batches <- records
	})
	if err := observer.Observe(section, Config{Attributes: true, AttributeOldValue: true}); err != nil {
		t.Fatalf("observe: %v", err)
	}

	section.SetAttribute("state", "open")
	batch := waitForBatch(t, batches)
	if len(batch) != 1 {
		t.Fatalf("expected 1 record, got %d", len(batch))
	}
	if batch[0].Type != RecordAttributes || batch[0].AttributeName != "state" {
		t.Fatalf("unexpected record: %+v", batch[0])
	}
	if batch[0].OldValue != "" {
		t.Fatalf("expected empty old value on first set, got %q", batch[0].OldValue)
	}

	section.SetAttribute("state", "closed")
	batch = waitForBatch(t, batches)
	if batch[0].OldValue != "open" {
		t.Fatalf("expected old value %q, got %q", "open", batch[0].OldValue)
	}

	doc.Root().SetAttribute("state", "ignored")
	select {
	case extra := <-batches:
		t.Fatalf("expected no records for out-of-scope node, got %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAttributeFilterRestrictsDelivery(t *testing.T) {
	_, section := buildDocument(t)

	batches := make(chan []*Record, 4)
	observer := NewObserver(func(records []*Record, _ *Observer) {
		batches <- records
	})
	config := Config{Attributes: true, AttributeFilter: []string{"state"}}
	if err := observer.Observe(section, config); err != nil {
		t.Fatalf("observe: %v", err)
	}

	section.SetAttribute("class", "hidden")
	section.SetAttribute("state", "open")

	batch := waitForBatch(t, batches)
	if len(batch) != 1 || batch[0].AttributeName != "state" {
		t.Fatalf("expected only the allowed attribute, got %+v", batch)
	}
}

func TestSubtreeScopesChildListRecords(t *testing.T) {
	doc, section := buildDocument(t)

	batches := make(chan []*Record, 4)
	observer := NewObserver(func(records []*Record, _ *Observer) {
		batches <- records
	})
	if err := observer.Observe(doc.Root(), Config{ChildList: true, Subtree: true}); err != nil {
		t.Fatalf("observe: %v", err)
	}

	item := NewNode("item")
	if err := section.Append(item); err != nil {
		t.Fatalf("append item: %v", err)
	}

	batch := waitForBatch(t, batches)
	if len(batch) != 1 {
		t.Fatalf("expected 1 record, got %d", len(batch))
	}
	record := batch[0]
	if record.Type != RecordChildList || record.Target != section {
		t.Fatalf("unexpected record: %+v", record)
	}
	if len(record.Added) != 1 || record.Added[0] != item {
		t.Fatalf("expected added node, got %+v", record.Added)
	}

	if !section.RemoveChild(item) {
		t.Fatal("expected removal to succeed")
	}
	batch = waitForBatch(t, batches)
	if len(batch[0].Removed) != 1 || batch[0].Removed[0] != item {
		t.Fatalf("expected removed node, got %+v", batch[0])
	}
}

func TestCharacterDataRecords(t *testing.T) {
	_, section := buildDocument(t)
	text := NewNode("text")
	if err := section.Append(text); err != nil {
		t.Fatalf("append text: %v", err)
	}

	batches := make(chan []*Record, 4)
	observer := NewObserver(func(records []*Record, _ *Observer) {
		batches <- records
	})
	config := Config{CharacterData: true, CharacterDataOldValue: true, Subtree: true}
	if err := observer.Observe(section, config); err != nil {
		t.Fatalf("observe: %v", err)
	}

	text.SetText("first")
	text.SetText("second")

	var records []*Record
	deadline := time.After(2 * time.Second)
	for len(records) < 2 {
		select {
		case batch := <-batches:
			records = append(records, batch...)
		case <-deadline:
			t.Fatalf("timed out, got %d records", len(records))
		}
	}
	if records[0].OldValue != "" || records[1].OldValue != "first" {
		t.Fatalf("unexpected old values: %q, %q", records[0].OldValue, records[1].OldValue)
	}
}

func TestDisconnectStopsDelivery(t *testing.T) {
	_, section := buildDocument(t)

	batches := make(chan []*Record, 4)
	observer := NewObserver(func(records []*Record, _ *Observer) {
		batches <- records
	})
	if err := observer.Observe(section, Config{Attributes: true}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	observer.Disconnect()

	section.SetAttribute("state", "open")
	select {
	case batch := <-batches:
		t.Fatalf("expected no delivery after disconnect, got %+v", batch)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestObserveRebindsAcrossDocuments(t *testing.T) {
	_, firstSection := buildDocument(t)
	second := NewDocument("other")
	t.Cleanup(second.Close)

	secondSection := NewNode("section")
	if err := second.Root().Append(secondSection); err != nil {
		t.Fatalf("append section: %v", err)
	}

	batches := make(chan []*Record, 4)
	observer := NewObserver(func(records []*Record, _ *Observer) {
		batches <- records
	})
	if err := observer.Observe(firstSection, Config{Attributes: true}); err != nil {
		t.Fatalf("observe first document: %v", err)
	}
	if err := observer.Observe(secondSection, Config{Attributes: true}); err != nil {
		t.Fatalf("observe second document: %v", err)
	}

	firstSection.SetAttribute("state", "open")
	select {
	case batch := <-batches:
		t.Fatalf("expected silence from the old document, got %+v", batch)
	case <-time.After(100 * time.Millisecond):
	}

	secondSection.SetAttribute("state", "open")
	batch := waitForBatch(t, batches)
	if len(batch) != 1 || batch[0].Target != secondSection {
		t.Fatalf("expected one record for the new binding, got %+v", batch)
	}
}

func TestObserveRejectsDetachedTarget(t *testing.T) {
	observer := NewObserver(func([]*Record, *Observer) {})
	if err := observer.Observe(NewNode("floating"), Config{Attributes: true}); err != ErrDetachedTarget {
		t.Fatalf("expected ErrDetachedTarget, got %v", err)
	}
}

func TestAppendRejectsCycles(t *testing.T) {
	doc, section := buildDocument(t)
	if err := section.Append(doc.Root()); err != ErrInvalidChild {
		t.Fatalf("expected ErrInvalidChild appending ancestor, got %v", err)
	}
	if err := section.Append(section); err != ErrInvalidChild {
		t.Fatalf("expected ErrInvalidChild appending self, got %v", err)
	}
}

func TestNodeCountAndPath(t *testing.T) {
	doc, section := buildDocument(t)
	item := NewNode("item")
	if err := section.Append(item); err != nil {
		t.Fatalf("append item: %v", err)
	}
	if count := doc.NodeCount(); count != 3 {
		t.Fatalf("expected 3 nodes, got %d", count)
	}
	if path := item.Path(); path != "/app/section/item" {
		t.Fatalf("unexpected path %q", path)
	}
}
