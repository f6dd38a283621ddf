package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keymux/keymux/internal/models"
)

func newTestTicket(identity string, shared bool, model string) *Ticket {
	return NewTicket(context.Background(), identity, shared, models.ServiceOpenAI, model, nil, false)
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(nil)

	t1 := newTestTicket("a", false, "gpt-3.5-turbo")
	t2 := newTestTicket("b", false, "gpt-3.5-turbo")
	t2.StartTime = t1.StartTime.Add(time.Millisecond)

	if err := q.Enqueue(t1); err != nil {
		t.Fatalf("enqueue t1: %v", err)
	}
	if err := q.Enqueue(t2); err != nil {
		t.Fatalf("enqueue t2: %v", err)
	}

	if got := q.Dequeue(models.FamilyTurbo); got != t1 {
		t.Error("expected the earliest ticket first")
	}
	if got := q.Dequeue(models.FamilyTurbo); got != t2 {
		t.Error("expected the second ticket next")
	}
	if got := q.Dequeue(models.FamilyTurbo); got != nil {
		t.Error("expected empty partition")
	}
}

func TestDequeueIsPartitioned(t *testing.T) {
	q := New(nil)

	turbo := newTestTicket("a", false, "gpt-3.5-turbo")
	gpt4 := newTestTicket("b", false, "gpt-4")
	if err := q.Enqueue(turbo); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(gpt4); err != nil {
		t.Fatal(err)
	}

	if got := q.Dequeue(models.FamilyGPT4); got != gpt4 {
		t.Error("gpt4 dequeue crossed partitions")
	}
	if q.Len(models.FamilyTurbo) != 1 {
		t.Error("turbo ticket should still be queued")
	}
}

func TestIdentityCapRejectsSecondRequest(t *testing.T) {
	q := New(nil)

	first := newTestTicket("1.2.3.4", false, "gpt-3.5-turbo")
	second := newTestTicket("1.2.3.4", false, "gpt-3.5-turbo")

	if err := q.Enqueue(first); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := q.Enqueue(second)
	if !errors.Is(err, ErrTooManyQueued) {
		t.Fatalf("err = %v, want ErrTooManyQueued", err)
	}
}

func TestSharedIdentityCapIsFive(t *testing.T) {
	q := New(nil)

	for i := 0; i < 5; i++ {
		tk := newTestTicket("shared-pool", true, "gpt-3.5-turbo")
		if err := q.Enqueue(tk); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	sixth := newTestTicket("shared-pool", true, "gpt-3.5-turbo")
	if err := q.Enqueue(sixth); !errors.Is(err, ErrTooManyQueued) {
		t.Errorf("sixth enqueue err = %v, want ErrTooManyQueued", err)
	}
}

func TestRetriesExemptFromIdentityCap(t *testing.T) {
	q := New(nil)

	first := newTestTicket("1.2.3.4", false, "gpt-3.5-turbo")
	if err := q.Enqueue(first); err != nil {
		t.Fatal(err)
	}

	retry := newTestTicket("1.2.3.4", false, "gpt-3.5-turbo")
	retry.RetryCount = 1
	if err := q.Enqueue(retry); err != nil {
		t.Errorf("retry enqueue err = %v, want nil (retries are cap-exempt)", err)
	}
}

func TestRequeuePutsDequeuedTicketBack(t *testing.T) {
	q := New(nil)

	tk := newTestTicket("a", false, "gpt-3.5-turbo")
	if err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}
	if got := q.Dequeue(models.FamilyTurbo); got != tk {
		t.Fatal("dequeue did not return the ticket")
	}

	q.Requeue(tk)

	if !tk.QueueOutTime.IsZero() {
		t.Error("requeue should clear the dequeue stamp")
	}
	if got := q.Dequeue(models.FamilyTurbo); got != tk {
		t.Error("requeued ticket should dequeue again")
	}
}

func TestRequeueBypassesIdentityCap(t *testing.T) {
	q := New(nil)

	first := newTestTicket("1.2.3.4", false, "gpt-3.5-turbo")
	if err := q.Enqueue(first); err != nil {
		t.Fatal(err)
	}
	if got := q.Dequeue(models.FamilyTurbo); got != first {
		t.Fatal("dequeue did not return the ticket")
	}

	// The slot freed by the dequeue can be claimed by a newer request
	// before the dispatcher decides to put the first one back.
	second := newTestTicket("1.2.3.4", false, "gpt-3.5-turbo")
	if err := q.Enqueue(second); err != nil {
		t.Fatal(err)
	}

	q.Requeue(first)
	if q.Len(models.FamilyTurbo) != 2 {
		t.Error("a requeued ticket keeps its place even when its cap slot was taken")
	}
}

func TestDuplicateEnqueueRejected(t *testing.T) {
	q := New(nil)

	tk := newTestTicket("a", false, "gpt-3.5-turbo")
	if err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(tk); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("err = %v, want ErrAlreadyQueued", err)
	}
	if q.Len(models.FamilyTurbo) != 1 {
		t.Error("ticket must appear in the queue at most once")
	}
}

func TestDeprioritizedTicketsServedLast(t *testing.T) {
	q := New(nil)

	base := time.Now()
	var shared []*Ticket
	for i := 0; i < 5; i++ {
		tk := newTestTicket("shared-pool", true, "gpt-3.5-turbo")
		tk.StartTime = base.Add(time.Duration(i) * time.Millisecond)
		shared = append(shared, tk)
		if err := q.Enqueue(tk); err != nil {
			t.Fatal(err)
		}
	}

	// The regular identity arrives after every shared ticket.
	regular := newTestTicket("9.9.9.9", false, "gpt-3.5-turbo")
	regular.StartTime = base.Add(time.Second)
	if err := q.Enqueue(regular); err != nil {
		t.Fatal(err)
	}

	if got := q.Dequeue(models.FamilyTurbo); got != regular {
		t.Fatal("regular ticket should dequeue before any shared-identity ticket")
	}

	// Shared tickets then drain in start-time order.
	for i := 0; i < 5; i++ {
		if got := q.Dequeue(models.FamilyTurbo); got != shared[i] {
			t.Errorf("shared dequeue %d out of order", i)
		}
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	q := New(nil)

	tk := newTestTicket("a", false, "gpt-3.5-turbo")
	if err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}
	if !q.Remove(tk) {
		t.Error("first remove should report true")
	}
	if q.Remove(tk) {
		t.Error("second remove should be a no-op")
	}
}

func TestAbortRemovesTicketAndAllowsResubmit(t *testing.T) {
	q := New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	tk := NewTicket(ctx, "1.2.3.4", false, models.ServiceOpenAI, "gpt-3.5-turbo", nil, false)
	if err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}

	cancel()
	if _, ok := tk.Resume(); ok {
		t.Error("aborted ticket should not resume")
	}

	// The abort watcher removes asynchronously; wait for it.
	deadline := time.Now().Add(time.Second)
	for q.Len(models.FamilyTurbo) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("aborted ticket never left the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Equivalent resubmission must now succeed: state was cleaned.
	again := newTestTicket("1.2.3.4", false, "gpt-3.5-turbo")
	if err := q.Enqueue(again); err != nil {
		t.Errorf("resubmit after abort: %v", err)
	}
}

func TestDequeueStampsQueueOutTime(t *testing.T) {
	q := New(nil)

	tk := newTestTicket("a", false, "gpt-3.5-turbo")
	if err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}
	got := q.Dequeue(models.FamilyTurbo)
	if got.QueueOutTime.IsZero() {
		t.Error("dequeue must stamp QueueOutTime")
	}
	if got.WaitDuration() < 0 {
		t.Error("wait duration must be non-negative")
	}
}

func TestSweepEvictsStalledTickets(t *testing.T) {
	q := New(nil)

	timedOut := false
	tk := newTestTicket("a", false, "gpt-3.5-turbo")
	tk.StartTime = time.Now().Add(-StallAge - time.Minute)
	tk.OnTimeout = func() { timedOut = true }
	if err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}

	fresh := newTestTicket("b", false, "gpt-3.5-turbo")
	if err := q.Enqueue(fresh); err != nil {
		t.Fatal(err)
	}

	if n := q.Sweep(); n != 1 {
		t.Errorf("swept %d tickets, want 1", n)
	}
	if !timedOut {
		t.Error("stalled ticket should receive a timeout response")
	}
	if q.Len(models.FamilyTurbo) != 1 {
		t.Error("fresh ticket should survive the sweep")
	}
	if _, ok := tk.Resume(); ok {
		t.Error("swept ticket should not resume")
	}
}

func TestRecordWaitFeedsEstimator(t *testing.T) {
	q := New(nil)

	tk := newTestTicket("a", false, "gpt-3.5-turbo")
	if err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}
	got := q.Dequeue(models.FamilyTurbo)
	q.RecordWait(got)

	if q.Estimator().Len() != 1 {
		t.Error("successful transit should record one wait sample")
	}
}
