package notify

import (
	"errors"
	"testing"
)

func TestRetryQueue(t *testing.T) {
	q := NewRetryQueue(3)
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(&Intent{ID: id}); err != nil {
			t.Fatalf("Push(%s) error = %v", id, err)
		}
	}
	if err := q.Push(&Intent{ID: "d"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Push() on full queue = %v, want ErrQueueFull", err)
	}

	batch := q.PopBatch(2)
	if len(batch) != 2 || batch[0].ID != "a" || batch[1].ID != "b" {
		t.Fatalf("PopBatch(2) = %v", batch)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}

	if err := q.Push(&Intent{ID: "d"}); err != nil {
		t.Errorf("Push() after pop error = %v", err)
	}
	batch = q.PopBatch(10)
	if len(batch) != 2 || batch[0].ID != "c" || batch[1].ID != "d" {
		t.Errorf("PopBatch(10) = %v", batch)
	}
	if got := q.PopBatch(1); got != nil {
		t.Errorf("PopBatch on empty queue = %v, want nil", got)
	}
}

func TestRetryQueue_MinimumCapacity(t *testing.T) {
	if NewRetryQueue(0).Cap() != 1 {
		t.Error("zero capacity should be raised to 1")
	}
}
