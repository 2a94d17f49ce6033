package runner

import (
	"fmt"
	"testing"
)

func TestEventRing_PartialFill(t *testing.T) {
	r := newEventRing(4)
	r.Append(Event{Content: "a"})
	r.Append(Event{Content: "b"})

	events := r.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Content != "a" || events[1].Content != "b" {
		t.Fatalf("wrong order: %+v", events)
	}
}

func TestEventRing_WrapKeepsNewest(t *testing.T) {
	r := newEventRing(3)
	for i := 0; i < 5; i++ {
		r.Append(Event{Content: fmt.Sprintf("e%d", i)})
	}

	events := r.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	want := []string{"e2", "e3", "e4"}
	for i, w := range want {
		if events[i].Content != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, events[i].Content)
		}
	}
}

func TestEventRing_Empty(t *testing.T) {
	r := newEventRing(4)
	if events := r.Events(); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}
