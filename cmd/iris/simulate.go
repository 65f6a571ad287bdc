package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/iris/config"
	"github.com/c360/iris/errors"
	"github.com/c360/iris/protocol"
)

// simulateOptions configures the fake kernel producer.
type simulateOptions struct {
	socket   string
	interval time.Duration
	garbage  int
	cpus     int
}

func simulateCmd(opts *cliOptions) *cobra.Command {
	sim := simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Act as a kernel producer on the Unix socket",
		Long: `Listen on the kernel socket and emit the boot sequence (IRIS_INIT,
BOOT_START, GDT_LOADED, TSS_LOADED) to every backend that connects,
followed by periodic BOOT_START heartbeats. Useful for exercising the
backend and dashboards without a running kernel.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if opts.configPath != "" {
				loader := config.NewLoader()
				loader.AddLayer(opts.configPath)
				loaded, err := loader.Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			if sim.socket == "" {
				sim.socket = cfg.Kernel.SocketPath
			}

			level, format := cfg.Log.Level, cfg.Log.Format
			if opts.logLevel != "" {
				level = opts.logLevel
			}
			if opts.logFormat != "" {
				format = opts.logFormat
			}
			logger := setupLogger(level, format).With("component", "simulator")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSimulator(ctx, sim, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&sim.socket, "socket", "", "Unix socket to listen on (default from config)")
	f.DurationVar(&sim.interval, "interval", time.Second, "Delay between heartbeat events, 0 to send only the boot sequence")
	f.IntVar(&sim.garbage, "garbage", 0, "Random bytes injected before each heartbeat to exercise resynchronization")
	f.IntVar(&sim.cpus, "cpus", 1, "Number of CPUs to spread heartbeats across")
	return cmd
}

func runSimulator(ctx context.Context, opts simulateOptions, logger *slog.Logger) error {
	_ = os.Remove(opts.socket)
	ln, err := net.Listen("unix", opts.socket)
	if err != nil {
		return errors.WrapFatal(err, "simulator", "run", "listen on "+opts.socket)
	}
	defer os.Remove(opts.socket)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	logger.Info("Simulated kernel listening", "socket", opts.socket)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WrapTransient(err, "simulator", "run", "accept")
		}
		logger.Info("Backend connected")
		if err := produce(ctx, conn, opts); err != nil && ctx.Err() == nil {
			logger.Info("Backend disconnected", "error", err)
		}
		_ = conn.Close()
	}
}

// produce writes the boot sequence and then heartbeats until ctx is done or
// a write fails.
func produce(ctx context.Context, w io.Writer, opts simulateOptions) error {
	start := time.Now()
	elapsed := func() uint64 { return uint64(time.Since(start).Nanoseconds()) }

	for _, ev := range bootSequence(elapsed) {
		if _, err := w.Write(protocol.EncodeEvent(ev)); err != nil {
			return err
		}
	}
	if opts.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	cpus := max(opts.cpus, 1)
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var out []byte
		if opts.garbage > 0 {
			out = appendGarbage(out, opts.garbage)
		}
		out = append(out, protocol.EncodeEvent(protocol.Event{
			TimestampNanos: elapsed(),
			EventType:      protocol.EventBootStart,
			CPUID:          uint8(tick % cpus),
		})...)
		if _, err := w.Write(out); err != nil {
			return err
		}
	}
}

func bootSequence(now func() uint64) []protocol.Event {
	return []protocol.Event{
		{TimestampNanos: now(), EventType: protocol.EventIrisInit},
		{TimestampNanos: now(), EventType: protocol.EventBootStart},
		{TimestampNanos: now(), EventType: protocol.EventGDTLoaded, Payload: sampleGDT()},
		{TimestampNanos: now(), EventType: protocol.EventTSSLoaded, Payload: sampleTSS()},
	}
}

// sampleGDT is a long-mode table: null, kernel code/data, user code/data
// and a 64-bit TSS descriptor spanning two slots.
func sampleGDT() []byte {
	descriptors := []uint64{
		0x0000000000000000,
		0x00AF9A000000FFFF,
		0x00CF92000000FFFF,
		0x00AFFA000000FFFF,
		0x00CFF2000000FFFF,
		0x0000891050000067,
		0x0000000000000000,
	}
	out := make([]byte, 0, len(descriptors)*8)
	for _, d := range descriptors {
		out = binary.LittleEndian.AppendUint64(out, d)
	}
	return out
}

func sampleTSS() []byte {
	tss := make([]byte, 0x68)
	binary.LittleEndian.PutUint64(tss[0x04:], 0xFFFF800000010000) // RSP0
	binary.LittleEndian.PutUint64(tss[0x24:], 0xFFFF800000020000) // IST1
	binary.LittleEndian.PutUint16(tss[0x66:], 0xFFFF)
	return tss
}

// appendGarbage appends n random bytes that never contain the first marker
// byte, so the decoder sees exactly one resynchronization.
func appendGarbage(dst []byte, n int) []byte {
	for i := 0; i < n; i++ {
		b := byte(rand.Intn(256))
		if b == 'I' {
			b = 0
		}
		dst = append(dst, b)
	}
	return dst
}
