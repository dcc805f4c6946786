package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/codewiresh/guestlink/internal/protocol"
)

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// scriptedConn replays fixed input and records everything written.
type scriptedConn struct {
	r *bytes.Reader

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func newScriptedConn(input ...[]byte) *scriptedConn {
	return &scriptedConn{r: bytes.NewReader(bytes.Join(input, nil))}
}

func (c *scriptedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *scriptedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.Write(p)
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitSession(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("session did not end")
	}
	return err
}

// rawPeer decodes every frame the session writes to the other end of a pipe.
func rawPeer(conn net.Conn) <-chan protocol.Frame {
	out := make(chan protocol.Frame, 256)
	go func() {
		defer close(out)
		fr := protocol.NewFrameReader(conn)
		for {
			f, err := fr.ReadFrame()
			if err != nil {
				return
			}
			out <- f
		}
	}()
	return out
}

func nextFrame(t *testing.T, frames <-chan protocol.Frame) protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("peer stream ended")
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return protocol.Frame{}
}

func TestNoiseThenHandshakeClient(t *testing.T) {
	conn := newScriptedConn([]byte("^@"), protocol.Encode(protocol.Handshake()))

	tr, sess, err := DialTransports(context.Background(), conn, 5*time.Second, quiet())
	if err != nil {
		t.Fatalf("DialTransports: %v", err)
	}
	if !tr.Handle.IsConnected() {
		t.Error("handle not connected")
	}
	if err := waitSession(t, sess); err != nil {
		t.Fatalf("session error: %v", err)
	}

	st := sess.Stats()
	if st.Handshake.FramesIn != 1 {
		t.Errorf("handshakes in = %d, want 1", st.Handshake.FramesIn)
	}
	if !st.Synced {
		t.Error("session not synced")
	}
	if !conn.isClosed() {
		t.Error("connection not closed after session end")
	}
}

func TestBootConsoleCounted(t *testing.T) {
	boot := "\x1b[0;32m  OK  \x1b[0m Reached target Multi-User System.\r\nlogin: \n"
	conn := newScriptedConn([]byte(boot), protocol.Encode(protocol.Handshake()))

	_, sess := ServeTransports(conn, quiet(), WithoutAnnounce())
	if err := waitSession(t, sess); err != nil {
		t.Fatalf("session error: %v", err)
	}
	if got := sess.Stats().NoiseBytes; got != uint64(len(boot)) {
		t.Errorf("noise bytes = %d, want %d", got, len(boot))
	}
}

func TestNoiseThenHandshakeServer(t *testing.T) {
	conn := newScriptedConn([]byte("^@"), protocol.Encode(protocol.Handshake()))

	tr, sess := ServeTransports(conn, quiet(), WithoutAnnounce())
	if err := waitSession(t, sess); err != nil {
		t.Fatalf("session error: %v", err)
	}
	if got := sess.Stats().Handshake.FramesIn; got != 1 {
		t.Errorf("handshakes in = %d, want 1", got)
	}
	if !tr.Handle.IsConnected() {
		t.Error("handle not connected")
	}
	if sess.Role() != RoleServer {
		t.Errorf("role = %v", sess.Role())
	}
}

func TestDialTransportsHandshake(t *testing.T) {
	a, b := net.Pipe()
	_, srv := ServeTransports(a, quiet(), WithoutAnnounce())
	defer srv.Close()

	start := time.Now()
	tr, cli, err := DialTransports(context.Background(), b, 5*time.Second, quiet())
	if err != nil {
		t.Fatalf("DialTransports: %v", err)
	}
	defer cli.Close()

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("handshake took %s", elapsed)
	}
	select {
	case <-tr.Handle.Ready():
	default:
		t.Error("Ready not closed")
	}
	// Without an announce the only handshake the client can have seen is
	// the echo of its ping.
	if got := srv.Stats().Handshake.FramesIn; got != 1 {
		t.Errorf("server handshakes in = %d, want 1", got)
	}
}

func TestDialTransportsPromptBeforeEcho(t *testing.T) {
	a, b := net.Pipe()
	frames := rawPeer(b)
	const prompt = "debian login: "
	go func() {
		if f, ok := <-frames; ok && f.Kind == protocol.KindHandshake {
			b.Write(append([]byte(prompt), protocol.Encode(protocol.Handshake())...))
		}
	}()

	tr, cli, err := DialTransports(context.Background(), a, 2*time.Second, quiet())
	if err != nil {
		t.Fatalf("DialTransports: %v", err)
	}
	defer cli.Close()

	if !tr.Handle.IsConnected() {
		t.Error("not connected after dial")
	}
	st := cli.Stats()
	if st.NoiseBytes != uint64(len(prompt)) {
		t.Errorf("noise bytes = %d, want %d", st.NoiseBytes, len(prompt))
	}
	if st.Handshake.FramesIn != 1 {
		t.Errorf("handshakes in = %d, want 1", st.Handshake.FramesIn)
	}
}

func TestDialTransportsTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	go io.Copy(io.Discard, b)

	const timeout = 150 * time.Millisecond
	start := time.Now()
	_, sess, err := DialTransports(context.Background(), a, timeout, quiet())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}
	if elapsed < timeout {
		t.Errorf("returned after %s, before the %s timeout", elapsed, timeout)
	}
	if elapsed > timeout+time.Second {
		t.Errorf("returned after %s, long past the %s timeout", elapsed, timeout)
	}

	select {
	case <-sess.Done():
		t.Fatal("session stopped on handshake timeout")
	default:
	}
	sess.Close()
	if err := waitSession(t, sess); err != nil {
		t.Errorf("session error after Close: %v", err)
	}
}

func TestDialTransportsLinkClosed(t *testing.T) {
	_, _, err := DialTransports(context.Background(), newScriptedConn(), 5*time.Second, quiet())
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("err = %v, want ErrSessionEnded", err)
	}
}

func TestRouterToRouterOrdering(t *testing.T) {
	a, b := net.Pipe()
	srvT, srv := ServeTransports(a, quiet())
	defer srv.Close()
	cliT, cli, err := DialTransports(context.Background(), b, 5*time.Second, quiet())
	if err != nil {
		t.Fatalf("DialTransports: %v", err)
	}
	defer cli.Close()

	const n = 100
	var want bytes.Buffer
	chunks := make([]string, n)
	for i := range chunks {
		chunks[i] = fmt.Sprintf("chunk-%03d;", i)
		want.WriteString(chunks[i])
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			env := &protocol.Envelope{Request: &protocol.Request{ID: uint64(i), Method: "runner.echo"}}
			if err := cliT.RPC.Send(env); err != nil {
				t.Errorf("Send: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for _, c := range chunks {
			if _, err := cliT.Daemon.Write([]byte(c)); err != nil {
				t.Errorf("Write: %v", err)
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gotBytes := make(chan []byte, 1)
	go func() {
		buf := make([]byte, want.Len())
		_, err := io.ReadFull(srvT.Daemon, buf)
		if err != nil {
			t.Errorf("ReadFull: %v", err)
		}
		gotBytes <- buf
	}()

	for i := 1; i <= n; i++ {
		env, err := srvT.RPC.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if env.Request == nil || env.Request.ID != uint64(i) {
			t.Fatalf("message %d: got %+v", i, env.Request)
		}
	}

	select {
	case got := <-gotBytes:
		if string(got) != want.String() {
			t.Errorf("daemon bytes out of order:\n got %q\nwant %q", got, want.String())
		}
	case <-ctx.Done():
		t.Fatal("timed out reading daemon stream")
	}
	wg.Wait()

	st := srv.Stats()
	if st.Runner.FramesIn != n || st.Daemon.FramesIn != n {
		t.Errorf("server stats = %+v", st)
	}
}

func TestDaemonEOFFromPeer(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	frames := rawPeer(b)

	tr, sess := ServeTransports(a, quiet())
	defer sess.Close()

	if f := nextFrame(t, frames); f.Kind != protocol.KindHandshake {
		t.Fatalf("first frame = %v, want announce handshake", f.Kind)
	}
	if err := protocol.WriteFrame(b, protocol.DaemonRelay([]byte("hi"))); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := protocol.WriteFrame(b, protocol.DaemonRelay(nil)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := io.ReadAll(tr.Daemon)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hi" {
		t.Errorf("daemon stream = %q, want %q", got, "hi")
	}

	select {
	case <-sess.Done():
		t.Fatalf("session ended on daemon eof: %v", sess.Err())
	default:
	}
}

func TestConsumerCloseWriteSendsEOF(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	frames := rawPeer(b)

	tr, sess := ServeTransports(a, quiet(), WithoutAnnounce())
	tr.Daemon.Write([]byte("bye"))
	tr.Daemon.CloseWrite()

	f := nextFrame(t, frames)
	if f.Kind != protocol.KindDaemon || string(f.Payload) != "bye" {
		t.Fatalf("frame = %v %q, want daemon \"bye\"", f.Kind, f.Payload)
	}
	if f := nextFrame(t, frames); !f.IsDaemonEOF() {
		t.Fatalf("frame = %v %q, want daemon eof", f.Kind, f.Payload)
	}
	if err := waitSession(t, sess); err != nil {
		t.Fatalf("session error: %v", err)
	}
}

func TestRPCCloseEndsSession(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	rawPeer(b)

	tr, sess := ServeTransports(a, quiet())
	tr.RPC.Close()

	if err := waitSession(t, sess); err != nil {
		t.Fatalf("session error: %v", err)
	}
	if _, err := tr.Daemon.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("daemon Read after session end = %v, want io.EOF", err)
	}
}

func TestGarbageAfterSyncIsFatal(t *testing.T) {
	conn := newScriptedConn(
		protocol.Encode(protocol.Handshake()),
		[]byte{0xff, 0xff, 0xff, 0xff, 0x01},
	)
	tr, sess := ServeTransports(conn, quiet())

	err := waitSession(t, sess)
	if !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("session error = %v, want ErrFrameTooLarge", err)
	}
	if _, err := tr.RPC.Recv(context.Background()); err != io.EOF {
		t.Errorf("RPC Recv after failure = %v, want io.EOF", err)
	}
}

func TestMalformedRunnerMessageIsFatal(t *testing.T) {
	conn := newScriptedConn(
		protocol.Encode(protocol.Handshake()),
		protocol.Encode(protocol.RunnerMessage([]byte{0xff})),
	)
	_, sess := ServeTransports(conn, quiet())

	err := waitSession(t, sess)
	if err == nil || !strings.Contains(err.Error(), "decoding runner message") {
		t.Fatalf("session error = %v", err)
	}
}

func TestResetConnectedAndPing(t *testing.T) {
	a, b := net.Pipe()
	_, srv := ServeTransports(a, quiet(), WithoutAnnounce())
	defer srv.Close()
	tr, cli, err := DialTransports(context.Background(), b, 5*time.Second, quiet())
	if err != nil {
		t.Fatalf("DialTransports: %v", err)
	}
	defer cli.Close()

	tr.Handle.ResetConnected()
	if tr.Handle.IsConnected() {
		t.Fatal("still connected after reset")
	}

	tr.Handle.Ping()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Handle.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected after ping: %v", err)
	}
	if got := srv.Stats().Handshake.FramesIn; got != 2 {
		t.Errorf("server handshakes in = %d, want 2", got)
	}
}

func TestDialTransportsReping(t *testing.T) {
	a, b := net.Pipe()
	frames := rawPeer(b)
	go func() {
		// Ignore the first handshake, as a guest still booting would.
		<-frames
		if f, ok := <-frames; ok && f.Kind == protocol.KindHandshake {
			protocol.WriteFrame(b, protocol.Handshake())
		}
	}()

	tr, cli, err := DialTransports(context.Background(), a, 5*time.Second, quiet(), WithReping(50*time.Millisecond))
	if err != nil {
		t.Fatalf("DialTransports: %v", err)
	}
	defer cli.Close()
	if !tr.Handle.IsConnected() {
		t.Error("not connected after dial")
	}
	if got := cli.Stats().Handshake.FramesOut; got < 2 {
		t.Errorf("handshakes out = %d, want at least 2", got)
	}
}

func TestSessionIDOption(t *testing.T) {
	conn := newScriptedConn()
	id := uuid.New()
	_, sess := ServeTransports(conn, quiet(), WithSessionID(id))
	if sess.ID() != id {
		t.Errorf("ID = %s", sess.ID())
	}
	waitSession(t, sess)
}
