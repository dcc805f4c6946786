package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/guestlink/internal/config"
	"github.com/codewiresh/guestlink/internal/daemon"
	"github.com/codewiresh/guestlink/internal/mux"
	"github.com/codewiresh/guestlink/internal/rpc"
	"github.com/codewiresh/guestlink/internal/serial"
)

func serveCmd() *cobra.Command {
	var (
		lf     linkFlags
		listen string
		once   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the guest side of the link",
		Long: `Opens the console device and answers the host: runner RPC calls are
served locally and the daemon relay is forwarded to the VPN daemon's
management socket. The link is reopened whenever a session ends.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				cfg.Link.Transport = config.TransportWebSocket
				cfg.Link.Listen = &listen
			}
			if err := lf.apply(cfg); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			rec := openRecorder()
			defer rec.Close()

			g := &guest{cfg: cfg, rec: rec}
			if cfg.Link.Listen != nil {
				return g.listen(ctx, *cfg.Link.Listen)
			}
			return g.run(ctx, once)
		},
	}
	cmd.Flags().StringVar(&lf.transport, "transport", "", "Link transport: serial or websocket")
	cmd.Flags().StringVar(&lf.device, "device", "", "Console device (e.g. /dev/hvc1)")
	cmd.Flags().StringVar(&lf.url, "url", "", "WebSocket console URL to dial")
	cmd.Flags().StringVar(&listen, "listen", "", "Accept WebSocket console connections on this address instead of opening a device")
	cmd.Flags().BoolVar(&once, "once", false, "Exit after the first session instead of reopening the link")
	return cmd
}

// guest serves link sessions on the VM side.
type guest struct {
	cfg *config.Config
	rec *recorder
}

func (g *guest) run(ctx context.Context, once bool) error {
	for {
		conn, link, err := openLink(ctx, g.cfg.Link)
		if err != nil {
			return fmt.Errorf("opening link: %w", err)
		}
		started := time.Now()
		if err := g.serve(ctx, conn, link); err != nil {
			slog.Warn("session failed", "err", err)
		}
		if once || ctx.Err() != nil {
			return nil
		}

		// A link that hangs up immediately would otherwise spin.
		if wait := time.Second - time.Since(started); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
		}
		slog.Info("reopening link")
	}
}

func (g *guest) listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	slog.Info("accepting websocket consoles", "addr", ln.Addr().String())

	routes := http.NewServeMux()
	routes.Handle("/console", serial.WebSocketHandler(func(reqCtx context.Context, conn net.Conn) {
		if err := g.serve(reqCtx, conn, "ws://"+addr+"/console"); err != nil {
			slog.Warn("session failed", "err", err)
		}
	}))
	srv := &http.Server{Handler: routes, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// serve runs one session over conn until it ends or ctx is cancelled.
func (g *guest) serve(ctx context.Context, conn io.ReadWriteCloser, link string) error {
	t, sess := mux.ServeTransports(conn)
	g.rec.start(sess, g.cfg.Link.Transport, link)
	defer g.rec.end(sess)

	srv := rpc.NewServer()
	rpc.RegisterRunnerService(srv, runnerInfo(g.cfg.Runner))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := srv.Serve(sessCtx, t.RPC); err != nil && sessCtx.Err() == nil {
			slog.Warn("runner service stopped", "err", err)
		}
	}()
	go func() {
		err := daemon.Forward(sessCtx, t.Daemon, daemonDialer(g.cfg.Daemon), daemon.ForwardOptions{
			DialTimeout: g.cfg.Daemon.DialTimeout.Duration,
		})
		if err != nil && sessCtx.Err() == nil {
			slog.Warn("daemon relay stopped", "err", err)
		}
	}()

	select {
	case <-sess.Done():
	case <-ctx.Done():
		sess.Close()
		<-sess.Done()
	}
	return sess.Err()
}

func daemonDialer(dc config.DaemonConfig) daemon.DialFunc {
	if dc.Address != nil {
		return daemon.DialTCP(*dc.Address)
	}
	return daemon.DialUnix(dc.Socket)
}

func runnerInfo(rc config.RunnerConfig) rpc.RunnerInfo {
	hostname, _ := os.Hostname()
	info := rpc.RunnerInfo{
		OSInfo: rpc.OSInfo{
			Hostname: hostname,
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			Version:  kernelRelease(),
		},
	}
	if len(rc.RebootCommand) > 0 {
		argv := rc.RebootCommand
		info.Reboot = func(ctx context.Context) error {
			slog.Info("rebooting", "cmd", strings.Join(argv, " "))
			out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
			}
			return nil
		}
	}
	return info
}

func kernelRelease() string {
	b, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
