// Command rdt-recv is a demo receiver built on pkg/rdt, the Go-idiomatic
// replacement for original_source/receiver_app.py: it performs a passive
// open, drains Receive until end-of-stream, and reports total bytes.
package main

import (
	"context"
	"fmt"
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
		listenAddr  string
		dropProb    float64
		corruptProb float64
		bufferCap   uint32
		outputPath  string
	)

	cmd := &cobra.Command{
		Use:   "rdt-recv",
		Short: "Receive a byte stream over the rdt reliable-datagram transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			g.Go("recv", func(ctx context.Context) error {
				return runRecv(ctx, listenAddr, dropProb, corruptProb, bufferCap, outputPath)
			})
			return g.Wait()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&listenAddr, "listen", "127.0.0.1:9001", "local address to listen on (host:port)")
	flags.Float64Var(&dropProb, "drop", 0, "probability of an outbound datagram being dropped")
	flags.Float64Var(&corruptProb, "corrupt", 0, "probability of an outbound datagram being corrupted")
	flags.Uint32Var(&bufferCap, "buffer", 1000, "receive buffer capacity in bytes")
	flags.StringVar(&outputPath, "out", "", "file to write received bytes to (defaults to stdout)")
	return cmd
}

func runRecv(ctx context.Context, listenAddr string, dropProb, corruptProb float64, bufferCap uint32, outputPath string) error {
	cfg, err := rdt.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.DropProb = dropProb
	cfg.CorruptProb = corruptProb
	cfg.RecvBufferCapacity = bufferCap

	out := os.Stdout
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", outputPath, err)
		}
		defer f.Close()
		out = f
	}

	dlog.Infof(ctx, "listening on %s", listenAddr)
	conn, err := rdt.ServerAccept(ctx, listenAddr, cfg, nil)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	dlog.Info(ctx, "connection established")

	total := 0
	for {
		chunk, err := conn.Receive(ctx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if chunk.TimedOut {
			continue
		}
		if chunk.EndOfStream {
			dlog.Info(ctx, "end of stream")
			break
		}
		if _, err := out.Write(chunk.Data); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		total += len(chunk.Data)
		dlog.Debugf(ctx, "received %d bytes (total=%d, rwnd=%d)", len(chunk.Data), total, conn.AvailableRecvWindow())
	}

	if err := conn.Close(ctx); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	dlog.Infof(ctx, "total bytes received: %d", total)
	return nil
}
