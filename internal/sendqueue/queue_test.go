package sendqueue

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type recordingListener struct {
	acked    []AckResult
	failed   []Item
	retrying []Item
}

func (l *recordingListener) OnAcked(item Item, result AckResult) { l.acked = append(l.acked, result) }
func (l *recordingListener) OnFailed(item Item)                  { l.failed = append(l.failed, item) }
func (l *recordingListener) OnRetrying(item Item)                { l.retrying = append(l.retrying, item) }

func TestEnqueueDispatchesOnlyWhenConnected(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var sent []string
	q := New(func(item Item) error {
		sent = append(sent, item.MessageID)
		return nil
	}, &recordingListener{}, clock)

	q.Enqueue("m1", "c1", []byte("payload"))
	q.DispatchOnce()
	if len(sent) != 0 {
		t.Fatalf("should not dispatch while disconnected, got %v", sent)
	}

	q.SetConnected(true)
	q.DispatchOnce()
	if len(sent) != 1 || sent[0] != "m1" {
		t.Fatalf("expected m1 dispatched once connected, got %v", sent)
	}
}

func TestAckRemovesItemAndNotifies(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	listener := &recordingListener{}
	q := New(func(item Item) error { return nil }, listener, clock)
	q.SetConnected(true)
	q.Enqueue("m1", "c1", nil)
	q.DispatchOnce()

	q.Ack(AckResult{MessageID: "m1", ServerMsgID: "s1", Seq: 5})
	if len(listener.acked) != 1 || listener.acked[0].ServerMsgID != "s1" {
		t.Fatalf("expected ack notification, got %+v", listener.acked)
	}
	if len(q.Snapshot()) != 0 {
		t.Fatalf("expected item removed after ack, snapshot=%+v", q.Snapshot())
	}
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	listener := &recordingListener{}
	attempts := 0
	q := New(func(item Item) error { attempts++; return nil }, listener, clock)
	q.SetConnected(true)
	q.Enqueue("m1", "c1", nil)

	for i := 0; i < MaxRetries; i++ {
		q.DispatchOnce()
		clock.advance(AckTimeout + time.Second)
		q.ScanTimeouts()
	}
	// The fourth submission's timeout exhausts the retry budget: that scan
	// marks the item Failed, and a Failed item is not re-dispatched.
	q.DispatchOnce()
	clock.advance(AckTimeout + time.Second)
	if !q.ScanTimeouts() {
		t.Fatalf("scan should report the transition to Failed")
	}
	q.DispatchOnce()
	clock.advance(AckTimeout + time.Second)
	changed := q.ScanTimeouts()
	if changed {
		t.Fatalf("scan should report no change once item is terminally Failed")
	}
	if len(listener.failed) != 1 || listener.failed[0].MessageID != "m1" {
		t.Fatalf("expected item to fail after exhausting retries, failed=%+v", listener.failed)
	}
	if len(listener.retrying) != MaxRetries {
		t.Fatalf("expected %d retry notifications, got %d", MaxRetries, len(listener.retrying))
	}
}

func TestReconnectRevertsInFlightWithoutIncrementingRetry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	q := New(func(item Item) error { return nil }, &recordingListener{}, clock)
	q.SetConnected(true)
	q.Enqueue("m1", "c1", nil)
	q.DispatchOnce() // now InFlight

	q.SetConnected(false)
	q.SetConnected(true) // simulate a reconnect cycle

	snap := q.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 item, got %d", len(snap))
	}
	if snap[0].RetryCount != 0 {
		t.Fatalf("reconnect should not increment retry_count, got %d", snap[0].RetryCount)
	}
}

func TestDispatchTransportFailureRevertsToPendingAndStopsDraining(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	calls := 0
	q := New(func(item Item) error {
		calls++
		return errors.New("socket closed")
	}, &recordingListener{}, clock)
	q.SetConnected(true)
	q.Enqueue("m1", "c1", nil)
	q.Enqueue("m2", "c1", nil)

	q.DispatchOnce()
	if calls != 1 {
		t.Fatalf("expected dispatch to stop after first transport-submit failure, got %d calls", calls)
	}
	snap := q.Snapshot()
	if snap[0].State != Pending {
		t.Fatalf("expected item reverted to Pending, got %v", snap[0].State)
	}
}

func TestDuplicateEnqueueIsNoop(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	q := New(func(item Item) error { return nil }, &recordingListener{}, clock)
	q.Enqueue("m1", "c1", []byte("a"))
	q.Enqueue("m1", "c1", []byte("b"))
	if len(q.Snapshot()) != 1 {
		t.Fatalf("expected dedup on id, got %d items", len(q.Snapshot()))
	}
}

func TestAckErrorMarksFailedImmediately(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	listener := &recordingListener{}
	q := New(func(item Item) error { return nil }, listener, clock)
	q.SetConnected(true)
	q.Enqueue("m1", "c1", nil)
	q.DispatchOnce()

	q.AckError("m1")
	if len(listener.failed) != 1 {
		t.Fatalf("expected immediate failure notification")
	}
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].State != Failed {
		t.Fatalf("expected item left in Failed state for inspection, got %+v", snap)
	}
}

func TestFIFODispatchOrder(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var order []string
	q := New(func(item Item) error {
		order = append(order, item.MessageID)
		return nil
	}, &recordingListener{}, clock)
	q.Enqueue("m1", "c1", nil)
	q.Enqueue("m2", "c1", nil)
	q.Enqueue("m3", "c1", nil)
	q.SetConnected(true)
	q.DispatchOnce()

	if len(order) != 3 || order[0] != "m1" || order[1] != "m2" || order[2] != "m3" {
		t.Fatalf("expected FIFO dispatch order, got %v", order)
	}
}
