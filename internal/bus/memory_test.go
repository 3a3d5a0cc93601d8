package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// collector records delivered messages.
type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(m Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = string(m.Payload)
	}
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.payloads(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	got := c.payloads()
	t.Fatalf("received %d messages, want %d: %v", len(got), n, got)
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMemory_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	defer b.Close()

	var c collector
	if _, err := b.Subscribe(ctx, "exp1/+/od90/reading", c.handle, SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	_ = b.Publish(ctx, "exp1/unit1/od90/reading", []byte("a"), PublishOptions{})
	_ = b.Publish(ctx, "exp1/unit1/od135/reading", []byte("ignored"), PublishOptions{})
	_ = b.Publish(ctx, "exp1/unit2/od90/reading", []byte("b"), PublishOptions{})

	got := c.waitFor(t, 2)
	if !equalStrings(got, []string{"a", "b"}) {
		t.Errorf("received %v, want [a b]", got)
	}
}

func TestMemory_RetainedReplayOnSubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	defer b.Close()

	_ = b.Publish(ctx, "exp1/unit1/stirring/target_rpm", []byte("400"), PublishOptions{Retained: true})
	_ = b.Publish(ctx, "exp1/unit1/stirring/target_rpm", []byte("500"), PublishOptions{Retained: true})
	_ = b.Publish(ctx, "exp1/unit1/stirring/kp", []byte("0.1"), PublishOptions{})

	var c collector
	if _, err := b.Subscribe(ctx, "exp1/unit1/stirring/#", c.handle, SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	_ = b.Publish(ctx, "exp1/unit1/stirring/kp", []byte("0.2"), PublishOptions{})

	got := c.waitFor(t, 2)
	if !equalStrings(got, []string{"500", "0.2"}) {
		t.Errorf("received %v, want [500 0.2]", got)
	}
}

func TestMemory_RetainedClear(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	defer b.Close()

	_ = b.Publish(ctx, "exp1/unit1/stirring/$state", []byte("ready"), PublishOptions{Retained: true})
	_ = b.Publish(ctx, "exp1/unit1/stirring/$state", nil, PublishOptions{Retained: true})

	if _, ok := b.Retained("exp1/unit1/stirring/$state"); ok {
		t.Error("retained value still present after empty retained publish")
	}
}

func TestMemory_PerTopicOrdering(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	defer b.Close()

	var c collector
	slow := func(m Message) {
		time.Sleep(100 * time.Microsecond)
		c.handle(m)
	}
	if _, err := b.Subscribe(ctx, "exp1/unit1/od90/reading", slow, SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	const n = 200
	want := make([]string, n)
	for i := range n {
		want[i] = fmt.Sprint(i)
		if err := b.Publish(ctx, "exp1/unit1/od90/reading", []byte(want[i]), PublishOptions{}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	got := c.waitFor(t, n)
	if !equalStrings(got, want) {
		t.Errorf("delivery order not preserved")
	}
}

func TestMemory_InvalidTopic(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	defer b.Close()

	if err := b.Publish(ctx, "exp1/+/x", []byte("x"), PublishOptions{}); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Publish(wildcard) error = %v, want ErrInvalidTopic", err)
	}
	if _, err := b.Subscribe(ctx, "exp1/#/x", func(Message) {}, SubscribeOptions{}); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(bad pattern) error = %v, want ErrInvalidTopic", err)
	}
	if _, err := b.Subscribe(ctx, "exp1/x", nil, SubscribeOptions{}); !errors.Is(err, ErrNilHandler) {
		t.Errorf("Subscribe(nil) error = %v, want ErrNilHandler", err)
	}
}

func TestMemory_Unauthorized(t *testing.T) {
	ctx := context.Background()
	conn := Credentials{Username: "unit1", Password: "s3cret"}
	b := NewMemory(WithCredentials(conn))
	defer b.Close()

	tests := []struct {
		name    string
		creds   *Credentials
		wantErr error
	}{
		{name: "no credentials", creds: nil},
		{name: "matching", creds: &Credentials{Username: "unit1", Password: "s3cret"}},
		{name: "wrong password", creds: &Credentials{Username: "unit1", Password: "nope"}, wantErr: ErrUnauthorized},
		{name: "other user", creds: &Credentials{Username: "unit2", Password: "s3cret"}, wantErr: ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Subscribe(ctx, "exp1/#", func(Message) {}, SubscribeOptions{Credentials: tt.creds})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	anon := NewMemory()
	defer anon.Close()
	if _, err := anon.Subscribe(ctx, "exp1/#", func(Message) {}, SubscribeOptions{Credentials: &conn}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Subscribe() on anonymous connection error = %v, want ErrUnauthorized", err)
	}
}

func TestMemory_DropAndRestore(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	defer b.Close()

	var (
		statusMu sync.Mutex
		statuses []Status
	)
	cancel := b.OnStatus(func(ev StatusEvent) {
		statusMu.Lock()
		statuses = append(statuses, ev.Status)
		statusMu.Unlock()
	})
	defer cancel()

	var c collector
	if _, err := b.Subscribe(ctx, "exp1/unit1/#", c.handle, SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	_ = b.Publish(ctx, "exp1/unit1/stirring/$state", []byte("ready"), PublishOptions{QoS: 1, Retained: true})
	c.waitFor(t, 1)

	b.Drop(errors.New("link down"))
	if b.IsConnected() {
		t.Fatal("IsConnected() = true after Drop")
	}

	if err := b.Publish(ctx, "exp1/unit1/stirring/output", []byte("q0"), PublishOptions{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("QoS 0 publish while dropped error = %v, want ErrNotConnected", err)
	}
	if err := b.Publish(ctx, "exp1/unit1/stirring/output", []byte("stop"), PublishOptions{QoS: 1}); err != nil {
		t.Errorf("QoS 1 publish while dropped error = %v, want queued", err)
	}
	if _, err := b.Subscribe(ctx, "exp1/#", func(Message) {}, SubscribeOptions{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe while dropped error = %v, want ErrNotConnected", err)
	}

	b.Restore()

	// Retained replay comes before the queued live publication.
	got := c.waitFor(t, 3)
	if !equalStrings(got, []string{"ready", "ready", "stop"}) {
		t.Errorf("received %v, want [ready ready stop]", got)
	}

	statusMu.Lock()
	defer statusMu.Unlock()
	if len(statuses) != 2 || statuses[0] != StatusDisconnected || statuses[1] != StatusConnected {
		t.Errorf("status events = %v, want [disconnected connected]", statuses)
	}
}

func TestMemory_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	defer b.Close()

	var c collector
	sub, err := b.Subscribe(ctx, "exp1/unit1/od90/reading", c.handle, SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if sub.Pattern() != "exp1/unit1/od90/reading" {
		t.Errorf("Pattern() = %q", sub.Pattern())
	}
	if err := sub.Unsubscribe(ctx); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if b.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", b.SubscriptionCount())
	}

	_ = b.Publish(ctx, "exp1/unit1/od90/reading", []byte("late"), PublishOptions{})
	time.Sleep(20 * time.Millisecond)
	if got := c.payloads(); len(got) != 0 {
		t.Errorf("received %v after Unsubscribe", got)
	}
}

func TestMemory_HandlerPanicRecovered(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	defer b.Close()

	var c collector
	calls := 0
	handler := func(m Message) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		c.handle(m)
	}
	if _, err := b.Subscribe(ctx, "a/b", handler, SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	_ = b.Publish(ctx, "a/b", []byte("first"), PublishOptions{})
	_ = b.Publish(ctx, "a/b", []byte("second"), PublishOptions{})

	got := c.waitFor(t, 1)
	if got[0] != "second" {
		t.Errorf("received %v, want [second]", got)
	}
}

func TestMemory_Closed(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	_ = b.Close()

	if err := b.Publish(ctx, "a/b", []byte("x"), PublishOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close error = %v, want ErrClosed", err)
	}
	if b.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}

func TestMemory_ContextCancelled(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Publish(ctx, "a/b", []byte("x"), PublishOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish error = %v, want context.Canceled", err)
	}
}
