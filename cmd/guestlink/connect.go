package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/guestlink/internal/daemon"
	"github.com/codewiresh/guestlink/internal/mux"
	"github.com/codewiresh/guestlink/internal/rpc"
)

func connectCmd() *cobra.Command {
	var (
		lf           linkFlags
		timeout      time.Duration
		pingInterval time.Duration
		message      string
		health       bool
		reboot       bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a guest from the host and check the link",
		Long: `Opens the host end of a guest console, waits for the guest to answer the
handshake and runs a few runner calls. Optionally checks the VPN daemon over
the relay with a gRPC health probe, or reboots the guest and waits for it to
come back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := lf.apply(cfg); err != nil {
				return err
			}
			if timeout == 0 {
				timeout = cfg.Link.HandshakeTimeout.Duration
			}

			ctx, cancel := signalContext()
			defer cancel()

			conn, link, err := openLink(ctx, cfg.Link)
			if err != nil {
				return fmt.Errorf("opening link: %w", err)
			}

			rec := openRecorder()
			defer rec.Close()

			t, sess, err := mux.DialTransports(ctx, conn, timeout, mux.WithReping(pingInterval))
			rec.start(sess, cfg.Link.Transport, link)
			defer func() {
				sess.Close()
				<-sess.Done()
				rec.end(sess)
			}()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "[guestlink] guest connected (session %s)\n", sess.ID())

			client := rpc.NewClient(t.RPC, t.Handle)
			defer client.Close()

			callCtx, callCancel := context.WithTimeout(ctx, timeout)
			defer callCancel()

			echoed, err := client.Echo(callCtx, message)
			if err != nil {
				return fmt.Errorf("echo: %w", err)
			}
			info, err := client.OSInfo(callCtx)
			if err != nil {
				return fmt.Errorf("os_info: %w", err)
			}
			fmt.Printf("echo:     %s\n", echoed)
			fmt.Printf("guest:    %s (%s/%s, %s)\n", info.Hostname, info.OS, info.Arch, info.Version)

			if reboot {
				if err := client.Reboot(callCtx); err != nil {
					return fmt.Errorf("reboot: %w", err)
				}
				fmt.Fprintln(os.Stderr, "[guestlink] reboot requested, waiting for guest...")
				waitCtx, waitCancel := context.WithTimeout(ctx, 10*timeout)
				defer waitCancel()
				if err := client.WaitForServer(waitCtx); err != nil {
					return fmt.Errorf("waiting for rebooted guest: %w", err)
				}
				fmt.Println("reboot:   guest is back")
			}

			// The relay carries a single daemon connection; closing it ends
			// the session, so the health probe goes last.
			if health {
				healthCtx, healthCancel := context.WithTimeout(ctx, timeout)
				defer healthCancel()
				status, err := daemonHealth(healthCtx, t)
				if err != nil {
					return fmt.Errorf("daemon health: %w", err)
				}
				fmt.Printf("daemon:   %s\n", status)
			}

			st := sess.Stats().Total()
			fmt.Printf("frames:   %d in, %d out\n", st.FramesIn, st.FramesOut)
			return nil
		},
	}
	cmd.Flags().StringVar(&lf.transport, "transport", "", "Link transport: serial or websocket")
	cmd.Flags().StringVar(&lf.device, "device", "", "Host end of the guest console (e.g. /dev/pts/7)")
	cmd.Flags().StringVar(&lf.url, "url", "", "WebSocket console URL to dial")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Handshake and call timeout (default link.handshake_timeout)")
	cmd.Flags().DurationVar(&pingInterval, "ping-interval", 2*time.Second, "Resend the handshake at this interval until the guest answers (0 disables)")
	cmd.Flags().StringVar(&message, "message", "hello from host", "Message for the echo call")
	cmd.Flags().BoolVar(&health, "daemon-health", false, "Probe the VPN daemon through the relay with a gRPC health check")
	cmd.Flags().BoolVar(&reboot, "reboot", false, "Reboot the guest and wait for it to reconnect")
	return cmd
}

// daemonHealth probes the guest's VPN daemon with a gRPC health check over
// the relay. The relay carries one connection per session.
func daemonHealth(ctx context.Context, t *mux.Transports) (string, error) {
	cc, err := daemon.ClientConn(t.Daemon)
	if err != nil {
		return "", err
	}
	defer cc.Close()
	status, err := daemon.CheckHealth(ctx, cc, "")
	if err != nil {
		return "", err
	}
	return status.String(), nil
}
