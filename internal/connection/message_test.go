package connection

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/codewiresh/guestlink/internal/protocol"
)

func req(id uint64) *protocol.Envelope {
	return &protocol.Envelope{Request: &protocol.Request{ID: id, Method: "runner.echo"}}
}

func TestMessagePipeOrder(t *testing.T) {
	a, b := NewMessagePipe()
	defer a.Close()
	defer b.Close()

	for i := uint64(1); i <= 100; i++ {
		if err := a.Send(req(i)); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}
	ctx := context.Background()
	for i := uint64(1); i <= 100; i++ {
		env, err := b.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if env.Request.ID != i {
			t.Fatalf("got id %d, want %d", env.Request.ID, i)
		}
	}
}

func TestMessagePipeCloseDrainsThenEOF(t *testing.T) {
	a, b := NewMessagePipe()
	defer b.Close()

	if err := a.Send(req(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	a.Close()

	ctx := context.Background()
	env, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if env.Request.ID != 1 {
		t.Errorf("id = %d, want 1", env.Request.ID)
	}
	if _, err := b.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Recv after close = %v, want io.EOF", err)
	}
	if err := b.Send(req(2)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send to closed peer = %v, want ErrClosed", err)
	}
	if err := a.Send(req(3)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send on closed end = %v, want ErrClosed", err)
	}
}

func TestMessagePipeCloseWakesReceiver(t *testing.T) {
	a, b := NewMessagePipe()

	done := make(chan error, 1)
	go func() {
		_, err := b.Recv(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	a.Close()

	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Errorf("Recv = %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after peer close")
	}
}

func TestMessagePipeRecvContext(t *testing.T) {
	_, b := NewMessagePipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := b.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Recv = %v, want context.DeadlineExceeded", err)
	}
}
