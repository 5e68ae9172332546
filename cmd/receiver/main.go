package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/songcast/internal/events"
	"github.com/sebas/songcast/internal/logger"
	"github.com/sebas/songcast/internal/receiver/config"
	"github.com/sebas/songcast/internal/receiver/pipeline"
	"github.com/sebas/songcast/internal/receiver/repair"
	"github.com/sebas/songcast/internal/receiver/session"
	"github.com/sebas/songcast/internal/receiver/transport"
)

// streamSupply writes the repaired audio stream to an output and logs
// the remaining pipeline events.
type streamSupply struct {
	w io.Writer
}

func (s *streamSupply) OutputStream(info pipeline.StreamInfo) {
	slog.Info("[Receiver] Stream", "uri", info.URI, "stream_id", info.StreamID, "live", info.Live)
}

func (s *streamSupply) OutputData(payload []byte) {
	if _, err := s.w.Write(payload); err != nil {
		slog.Error("[Receiver] Output write failed", "error", err)
	}
}

func (s *streamSupply) OutputMetadata(text string) {
	slog.Info("[Receiver] Metadata", "bytes", len(text))
}

func (s *streamSupply) OutputWait() {
	slog.Info("[Receiver] Waiting for sender")
}

func (s *streamSupply) OutputFlush(flushID uint32) {
	slog.Info("[Receiver] Flush", "flush_id", flushID)
}

func (s *streamSupply) OutputHalt() {
	slog.Info("[Receiver] Halt")
}

func main() {
	// Load configuration
	cfg := config.Load()

	// Audio goes to stdout; keep logs on stderr.
	logger.InitLogger(os.Stderr)
	logger.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	endpoint, err := netip.ParseAddrPort(cfg.Endpoint)
	if err != nil {
		slog.Error("Invalid sender endpoint", "endpoint", cfg.Endpoint, "error", err)
		os.Exit(1)
	}

	out := io.Writer(os.Stdout)
	if cfg.Output != "-" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			slog.Error("Failed to open output", "path", cfg.Output, "error", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	// Event publishing is optional; the receiver runs fine without it.
	var pub events.Publisher = events.NewNoopPublisher()
	if cfg.NATSURL != "" {
		natsCfg := events.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		p, err := events.NewNATSPublisher(natsCfg, slog.Default())
		if err != nil {
			slog.Warn("Continuing without event publishing", "error", err)
		} else {
			pub = p
			defer p.Close()
		}
	}

	supply := pipeline.NewAdaptor(&streamSupply{w: out}, pipeline.AlwaysPlay)
	sock := transport.NewSocket()
	ohu := session.NewOHU(session.Config{
		TTL:          cfg.TTL,
		PayloadMax:   cfg.PayloadMax,
		RepairFrames: cfg.RepairFrames,
		Mode:         "ohu",
	}, sock, supply, &pipeline.IDProvider{}, repair.ClockTimerFactory{}, session.Options{
		Events:  pub,
		Factory: events.NewFactory(cfg.NodeID),
	})

	slog.Info("Starting Songcast receiver",
		"endpoint", endpoint.String(),
		"ttl", cfg.TTL,
		"payload_max", cfg.PayloadMax,
		"repair_frames", cfg.RepairFrames,
	)

	ctx, cancel := context.WithCancel(context.Background())
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		if ohu.Play(endpoint) == session.ResultUnrecoverable {
			return errors.New("session ended unrecoverably")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		ohu.Interrupt(true)
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Receiver failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Receiver stopped")
}
