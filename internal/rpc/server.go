package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/codewiresh/guestlink/internal/connection"
	"github.com/codewiresh/guestlink/internal/protocol"
)

// HandlerFunc serves one method. The returned value is CBOR-encoded as the
// result. Return a *protocol.RPCError to control the error code.
type HandlerFunc func(ctx context.Context, params cbor.RawMessage) (any, error)

// Server dispatches requests to registered handlers.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	log      *slog.Logger
}

// NewServer returns a Server with no handlers registered.
func NewServer() *Server {
	return &Server{
		handlers: make(map[string]HandlerFunc),
		log:      slog.Default().With("component", "rpc-server"),
	}
}

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

func (s *Server) handler(method string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

// Serve answers requests from ch until the channel ends or ctx is done.
// Each request runs in its own goroutine, so responses go out in completion
// order. A closed channel is a clean return.
func (s *Server) Serve(ctx context.Context, ch connection.MessageChannel) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		env, err := ch.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if env.Request == nil {
			s.log.Warn("ignoring non-request envelope")
			continue
		}

		wg.Add(1)
		go func(req *protocol.Request) {
			defer wg.Done()
			resp := s.dispatch(ctx, req)
			if err := ch.Send(&protocol.Envelope{Response: resp}); err != nil {
				s.log.Warn("failed to send response", "method", req.Method, "id", req.ID, "err", err)
			}
		}(env.Request)
	}
}

func (s *Server) dispatch(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	resp = &protocol.Response{ID: req.ID}

	h, ok := s.handler(req.Method)
	if !ok {
		resp.Error = &protocol.RPCError{Code: protocol.CodeMethodNotFound, Message: "unknown method " + req.Method}
		return resp
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked", "method", req.Method, "panic", r)
			resp.Result = nil
			resp.Error = &protocol.RPCError{Code: protocol.CodeInternal, Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()

	result, err := h(ctx, req.Params)
	if err != nil {
		var rpcErr *protocol.RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &protocol.RPCError{Code: protocol.CodeInternal, Message: err.Error()}
		}
		resp.Error = rpcErr
		return resp
	}
	if result != nil {
		b, err := cbor.Marshal(result)
		if err != nil {
			resp.Error = &protocol.RPCError{Code: protocol.CodeInternal, Message: fmt.Sprintf("encoding result: %v", err)}
			return resp
		}
		resp.Result = b
	}
	return resp
}

// DecodeParams decodes request params into v. Failures are reported to the
// caller as CodeInvalidParams.
func DecodeParams(params cbor.RawMessage, v any) error {
	if len(params) == 0 {
		return &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: "missing params"}
	}
	if err := cbor.Unmarshal(params, v); err != nil {
		return &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}
