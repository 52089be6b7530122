// Command rdt-send is a demo sender built on pkg/rdt, the Go-idiomatic
// replacement for original_source/sender_app.py: it performs an active
// open, sends a file's bytes (or stdin) end to end, and closes.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/rdtproto/rdt-go/pkg/rdt"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		localAddr   string
		remoteAddr  string
		dropProb    float64
		corruptProb float64
		inputPath   string
	)

	cmd := &cobra.Command{
		Use:   "rdt-send",
		Short: "Send a file over the rdt reliable-datagram transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			g.Go("send", func(ctx context.Context) error {
				return runSend(ctx, localAddr, remoteAddr, dropProb, corruptProb, inputPath)
			})
			return g.Wait()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&localAddr, "local", "127.0.0.1:0", "local address to bind (host:port)")
	flags.StringVar(&remoteAddr, "remote", "127.0.0.1:9001", "remote address to connect to (host:port)")
	flags.Float64Var(&dropProb, "drop", 0, "probability of an outbound datagram being dropped")
	flags.Float64Var(&corruptProb, "corrupt", 0, "probability of an outbound datagram being corrupted")
	flags.StringVar(&inputPath, "file", "", "file to send (defaults to stdin)")
	return cmd
}

func runSend(ctx context.Context, localAddr, remoteAddr string, dropProb, corruptProb float64, inputPath string) error {
	cfg, err := rdt.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.DropProb = dropProb
	cfg.CorruptProb = corruptProb

	in := os.Stdin
	if inputPath != "" {
		f, err := os.Open(inputPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", inputPath, err)
		}
		defer f.Close()
		in = f
	}
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	dlog.Infof(ctx, "connecting to %s", remoteAddr)
	conn, err := rdt.ClientConnect(ctx, localAddr, remoteAddr, cfg, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	dlog.Infof(ctx, "connection established, sending %d bytes", len(payload))

	if err := conn.Send(ctx, payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	dlog.Info(ctx, "all bytes acknowledged, closing")

	if err := conn.Close(ctx); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	dlog.Info(ctx, "connection closed")
	return nil
}
