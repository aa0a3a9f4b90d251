package scheduler

import "testing"

func TestQueuePriorityOrdering(t *testing.T) {
	q := newJobQueue(10)

	q.push("low", 1, false)
	q.push("high", 5, false)
	q.push("mid", 3, false)

	want := []string{"high", "mid", "low"}
	for _, expected := range want {
		got, ok := q.pop()
		if !ok {
			t.Fatalf("queue drained early, wanted %s", expected)
		}
		if got != expected {
			t.Errorf("expected %s, got %s", expected, got)
		}
	}
}

func TestQueueFIFOWithinPriorityBand(t *testing.T) {
	q := newJobQueue(10)

	q.push("first", 2, false)
	q.push("second", 2, false)
	q.push("third", 2, false)

	for _, expected := range []string{"first", "second", "third"} {
		got, _ := q.pop()
		if got != expected {
			t.Errorf("expected %s, got %s", expected, got)
		}
	}
}

func TestQueueCapacityAndForce(t *testing.T) {
	q := newJobQueue(2)

	if err := q.push("a", 0, false); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := q.push("b", 0, false); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := q.push("c", 0, false); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	// retry re-entry bypasses the admission check
	if err := q.push("retry", 0, true); err != nil {
		t.Errorf("forced push must bypass capacity, got %v", err)
	}
	if q.depth() != 3 {
		t.Errorf("expected depth 3, got %d", q.depth())
	}
}

func TestQueueRemove(t *testing.T) {
	q := newJobQueue(10)
	q.push("a", 0, false)
	q.push("b", 0, false)

	if !q.remove("a") {
		t.Errorf("expected remove to find a")
	}
	if q.remove("a") {
		t.Errorf("expected second remove to miss")
	}

	got, ok := q.pop()
	if !ok || got != "b" {
		t.Errorf("expected b, got %s (ok=%v)", got, ok)
	}
}

func TestQueuePopEmpty(t *testing.T) {
	q := newJobQueue(10)
	if _, ok := q.pop(); ok {
		t.Errorf("expected empty pop to report false")
	}
}
