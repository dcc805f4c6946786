package serial

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/codewiresh/guestlink/internal/protocol"
)

// readLimit admits the largest frame plus some console noise in one message.
const readLimit = int64(protocol.MaxFrameLen) + 4096

// DialWebSocket connects to a WebSocket console proxy, such as a hypervisor
// serial-over-websocket endpoint, and returns it as a byte stream.
func DialWebSocket(ctx context.Context, url string, header http.Header) (net.Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	ws.SetReadLimit(readLimit)
	return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
}

// WebSocketHandler accepts console connections and passes each to serve as
// a byte stream. serve must block for the life of the connection.
func WebSocketHandler(serve func(ctx context.Context, conn net.Conn)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		ws.SetReadLimit(readLimit)

		nc := websocket.NetConn(r.Context(), ws, websocket.MessageBinary)
		defer nc.Close()
		serve(r.Context(), nc)
	})
}
