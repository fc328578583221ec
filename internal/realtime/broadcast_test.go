package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

func recvOne(t *testing.T, sub *Subscription) ([]byte, uint64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, skipped, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return payload, skipped
}

func TestPublishOrderPreserved(t *testing.T) {
	hub := NewHub()
	routeID := uuid.New()
	sub := hub.Subscribe(routeID)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		if !hub.Publish(routeID, []byte(fmt.Sprintf("msg-%d", i))) {
			t.Fatalf("publish %d found no channel", i)
		}
	}

	for i := 0; i < 10; i++ {
		payload, skipped := recvOne(t, sub)
		if skipped != 0 {
			t.Fatalf("unexpected lag of %d at message %d", skipped, i)
		}
		if want := fmt.Sprintf("msg-%d", i); string(payload) != want {
			t.Errorf("message %d = %s, want %s", i, payload, want)
		}
	}
}

func TestPublishWithoutSubscriberIsDropped(t *testing.T) {
	hub := NewHub()
	if hub.Publish(uuid.New(), []byte("into the void")) {
		t.Error("publish reported delivery with no subscriber")
	}
}

func TestSlowSubscriberGetsLagSignal(t *testing.T) {
	hub := NewHub()
	routeID := uuid.New()
	sub := hub.Subscribe(routeID)
	defer sub.Close()

	const published = 80
	for i := 0; i < published; i++ {
		hub.Publish(routeID, []byte(fmt.Sprintf("msg-%d", i)))
	}

	// The ring holds the most recent 64; the first Recv reports the
	// overwritten prefix as a lag.
	payload, skipped := recvOne(t, sub)
	if payload != nil {
		t.Fatalf("first Recv = %s, want lag signal", payload)
	}
	if want := uint64(published - ringSize); skipped != want {
		t.Fatalf("skipped = %d, want %d", skipped, want)
	}

	// The remaining 64 arrive in order, oldest surviving first.
	for i := published - ringSize; i < published; i++ {
		payload, skipped := recvOne(t, sub)
		if skipped != 0 {
			t.Fatalf("second lag of %d at message %d", skipped, i)
		}
		if want := fmt.Sprintf("msg-%d", i); string(payload) != want {
			t.Errorf("message = %s, want %s", payload, want)
		}
	}
}

func TestRecvBlocksUntilPublish(t *testing.T) {
	hub := NewHub()
	routeID := uuid.New()
	sub := hub.Subscribe(routeID)
	defer sub.Close()

	got := make(chan []byte, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		payload, _, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		got <- payload
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Publish(routeID, []byte("wake up"))

	select {
	case payload := <-got:
		if string(payload) != "wake up" {
			t.Errorf("payload = %s, want wake up", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv never woke")
	}
}

func TestLastSubscriberRemovesChannel(t *testing.T) {
	hub := NewHub()
	routeID := uuid.New()

	a := hub.Subscribe(routeID)
	b := hub.Subscribe(routeID)
	if !hub.HasChannel(routeID) {
		t.Fatal("channel missing after subscribe")
	}

	a.Close()
	if !hub.HasChannel(routeID) {
		t.Fatal("channel removed while a subscriber remains")
	}
	b.Close()
	if hub.HasChannel(routeID) {
		t.Fatal("channel not removed after last subscriber left")
	}

	// Close is idempotent.
	b.Close()
}

func TestResubscribeAfterEmptyStartsFresh(t *testing.T) {
	hub := NewHub()
	routeID := uuid.New()

	first := hub.Subscribe(routeID)
	hub.Publish(routeID, []byte("old"))
	first.Close()

	// With no channel the publish is dropped, not buffered.
	if hub.Publish(routeID, []byte("dropped")) {
		t.Fatal("publish delivered with no subscriber")
	}

	second := hub.Subscribe(routeID)
	defer second.Close()
	hub.Publish(routeID, []byte("new"))

	payload, skipped := recvOne(t, second)
	if skipped != 0 {
		t.Fatalf("fresh subscriber lagged by %d", skipped)
	}
	if string(payload) != "new" {
		t.Errorf("payload = %s, want new (history must not replay)", payload)
	}
}

func TestHubCloseUnblocksSubscribers(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(uuid.New())

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _, err := sub.Recv(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv never returned after hub close")
	}
}

func TestRecvContextCancellation(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(uuid.New())
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := sub.Recv(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIndependentRouteChannels(t *testing.T) {
	hub := NewHub()
	routeA, routeB := uuid.New(), uuid.New()
	subA := hub.Subscribe(routeA)
	defer subA.Close()
	subB := hub.Subscribe(routeB)
	defer subB.Close()

	hub.Publish(routeA, []byte("for A"))
	hub.Publish(routeB, []byte("for B"))

	if payload, _ := recvOne(t, subA); string(payload) != "for A" {
		t.Errorf("subA got %s", payload)
	}
	if payload, _ := recvOne(t, subB); string(payload) != "for B" {
		t.Errorf("subB got %s", payload)
	}
}
