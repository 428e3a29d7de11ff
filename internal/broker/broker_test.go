package broker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

func TestNewEnvelope(t *testing.T) {
	a, err := NewEnvelope("new_message", map[string]string{"content": "hi"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	b, _ := NewEnvelope("new_message", map[string]string{"content": "hi"})
	if a.ID == b.ID {
		t.Error("NewEnvelope() should assign a fresh id per call")
	}
	var data map[string]string
	if err := json.Unmarshal(a.Data, &data); err != nil || data["content"] != "hi" {
		t.Errorf("NewEnvelope() data = %s, err = %v", a.Data, err)
	}
}

func TestChannelFor(t *testing.T) {
	if got := ChannelFor(42); got != "42" {
		t.Errorf("ChannelFor(42) = %q, want 42", got)
	}
}

func TestMemory_PublishSubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var mu sync.Mutex
	got := map[string][]Envelope{}
	record := func(name string) Handler {
		return func(env Envelope) {
			mu.Lock()
			got[name] = append(got[name], env)
			mu.Unlock()
		}
	}

	subA1, _ := m.Subscribe("1", record("a1"))
	if _, err := m.Subscribe("1", record("a2")); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := m.Subscribe("2", record("b")); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	env, _ := NewEnvelope("new_message", "x")
	if err := m.Publish(context.Background(), "1", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(got["a1"]) != 1 || len(got["a2"]) != 1 {
		t.Fatalf("channel 1 subscribers got %d and %d envelopes, want 1 each", len(got["a1"]), len(got["a2"]))
	}
	if len(got["b"]) != 0 {
		t.Errorf("channel 2 subscriber got %d envelopes, want 0", len(got["b"]))
	}
	if got["a1"][0].Channel != "1" || got["a1"][0].ID != env.ID {
		t.Errorf("delivered envelope = %+v", got["a1"][0])
	}

	_ = subA1.Unsubscribe()
	_ = subA1.Unsubscribe()
	if n := m.Subscribers("1"); n != 1 {
		t.Errorf("Subscribers(1) after unsubscribe = %d, want 1", n)
	}
	_ = m.Publish(context.Background(), "1", env)
	if len(got["a1"]) != 1 || len(got["a2"]) != 2 {
		t.Errorf("after unsubscribe a1=%d a2=%d, want 1 and 2", len(got["a1"]), len(got["a2"]))
	}
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	_ = m.Close()

	env, _ := NewEnvelope("new_message", "x")
	if err := m.Publish(context.Background(), "1", env); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrClosed", err)
	}
	if _, err := m.Subscribe("1", func(Envelope) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after Close error = %v, want ErrClosed", err)
	}
}

func TestMemory_CanceledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env, _ := NewEnvelope("new_message", "x")
	if err := m.Publish(ctx, "1", env); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish() error = %v, want context.Canceled", err)
	}
}

func TestNATS_RoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}
	a, err := DialNATS(url, "test-a")
	if err != nil {
		t.Skipf("skip: nats not available: %v", err)
	}
	defer a.Close()
	b, err := DialNATS(url, "test-b")
	if err != nil {
		t.Skipf("skip: nats not available: %v", err)
	}
	defer b.Close()

	recv := make(chan Envelope, 1)
	sub, err := b.Subscribe("roundtrip-7", func(env Envelope) { recv <- env })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()
	if err := b.nc.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	env, _ := NewEnvelope("new_message", map[string]string{"content": "across instances"})
	if err := a.Publish(context.Background(), "roundtrip-7", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-recv:
		if got.ID != env.ID || got.Channel != "roundtrip-7" || got.Event != "new_message" {
			t.Errorf("received envelope = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered across connections")
	}
}

func TestOpen_Memory(t *testing.T) {
	b, err := Open("memory", "test")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer b.Close()
	if _, ok := b.(*Memory); !ok {
		t.Errorf("Open(memory) = %T, want *Memory", b)
	}
}
