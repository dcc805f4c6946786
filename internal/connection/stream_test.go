package connection

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"
)

func TestStreamPreservesChunks(t *testing.T) {
	a, b := NewStreamPipe()
	defer a.Close()
	defer b.Close()

	chunks := []string{"first", "second chunk", "x"}
	for _, c := range chunks {
		if _, err := a.Write([]byte(c)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	for _, want := range chunks {
		got, err := b.ReadChunk(context.Background())
		if err != nil {
			t.Fatalf("ReadChunk: %v", err)
		}
		if string(got) != want {
			t.Errorf("chunk = %q, want %q", got, want)
		}
	}
}

func TestStreamWriteCopiesBuffer(t *testing.T) {
	a, b := NewStreamPipe()
	defer a.Close()
	defer b.Close()

	buf := []byte("hello")
	a.Write(buf)
	copy(buf, "XXXXX")

	got, err := b.ReadChunk(context.Background())
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("chunk = %q, want %q", got, "hello")
	}
}

func TestStreamPartialReads(t *testing.T) {
	a, b := NewStreamPipe()
	defer a.Close()
	defer b.Close()

	a.Write([]byte("abcdef"))
	a.CloseWrite()

	var out bytes.Buffer
	buf := make([]byte, 4)
	for {
		n, err := b.Read(buf)
		out.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if out.String() != "abcdef" {
		t.Errorf("read %q, want %q", out.String(), "abcdef")
	}
}

func TestStreamZeroLengthWriteIgnored(t *testing.T) {
	a, b := NewStreamPipe()
	defer a.Close()
	defer b.Close()

	n, err := a.Write(nil)
	if n != 0 || err != nil {
		t.Fatalf("Write(nil) = %d, %v", n, err)
	}
	a.Write([]byte("data"))

	got, err := b.ReadChunk(context.Background())
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("chunk = %q, want %q", got, "data")
	}
}

func TestStreamLargeWriteSplit(t *testing.T) {
	a, b := NewStreamPipe()
	defer a.Close()
	defer b.Close()

	payload := bytes.Repeat([]byte{0xab}, 2*MaxChunk+10)
	n, err := a.Write(payload)
	if err != nil || n != len(payload) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	a.CloseWrite()

	var sizes []int
	for {
		c, err := b.ReadChunk(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadChunk: %v", err)
		}
		sizes = append(sizes, len(c))
	}
	want := []int{MaxChunk, MaxChunk, 10}
	if len(sizes) != len(want) {
		t.Fatalf("chunk sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("chunk sizes = %v, want %v", sizes, want)
		}
	}
}

func TestStreamCloseWriteHalfClose(t *testing.T) {
	a, b := NewStreamPipe()
	defer a.Close()
	defer b.Close()

	a.CloseWrite()
	if _, err := b.Read(make([]byte, 8)); err != io.EOF {
		t.Fatalf("Read after CloseWrite = %v, want io.EOF", err)
	}
	if _, err := a.Write([]byte("late")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Write after CloseWrite = %v, want io.ErrClosedPipe", err)
	}

	// The other direction still works.
	if _, err := b.Write([]byte("reply")); err != nil {
		t.Fatalf("Write reply: %v", err)
	}
	buf := make([]byte, 8)
	n, err := a.Read(buf)
	if err != nil || string(buf[:n]) != "reply" {
		t.Errorf("Read reply = %q, %v", buf[:n], err)
	}
}

func TestStreamCloseUnblocksLocalRead(t *testing.T) {
	a, b := NewStreamPipe()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, err := a.Read(make([]byte, 8))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	a.Close()

	select {
	case err := <-done:
		if !errors.Is(err, io.ErrClosedPipe) {
			t.Errorf("Read = %v, want io.ErrClosedPipe", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after Close")
	}

	if _, err := b.ReadChunk(context.Background()); err != io.EOF {
		t.Errorf("peer ReadChunk = %v, want io.EOF", err)
	}
	if _, err := b.Write([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("peer Write = %v, want io.ErrClosedPipe", err)
	}
}

func TestStreamReadDeadline(t *testing.T) {
	a, b := NewStreamPipe()
	defer a.Close()
	defer b.Close()

	b.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	_, err := b.Read(make([]byte, 8))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Read = %v, want os.ErrDeadlineExceeded", err)
	}

	// Clearing the deadline makes the end usable again.
	b.SetReadDeadline(time.Time{})
	a.Write([]byte("ok"))
	buf := make([]byte, 8)
	n, err := b.Read(buf)
	if err != nil || string(buf[:n]) != "ok" {
		t.Errorf("Read = %q, %v", buf[:n], err)
	}
}

func TestStreamWriteDeadline(t *testing.T) {
	a, b := NewStreamPipe()
	defer a.Close()
	defer b.Close()

	a.SetWriteDeadline(time.Now().Add(-time.Second))
	if _, err := a.Write([]byte("x")); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("Write = %v, want os.ErrDeadlineExceeded", err)
	}
}

func TestStreamReadChunkContext(t *testing.T) {
	a, b := NewStreamPipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.ReadChunk(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadChunk = %v, want context.Canceled", err)
	}
}
