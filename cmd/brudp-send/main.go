// Command brudp-send binds a UDP socket, waits for a receiver's handshake,
// and transmits a file (or a deterministic synthetic payload) using the
// sender engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"

	"github.com/soypat/brudp/config"
	"github.com/soypat/brudp/internal/xlog"
	"github.com/soypat/brudp/metrics"
	"github.com/soypat/brudp/sender"
	"github.com/soypat/brudp/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	listen := flag.String("listen", ":9009", "UDP address to bind and wait for a receiver's handshake on")
	file := flag.String("file", "", "path of the file to send")
	synthetic := flag.Int64("synthetic", 0, "send a deterministic synthetic payload of this many bytes, instead of -file")
	metricsAddr := flag.String("metrics-addr", "", "address to expose Prometheus metrics on, e.g. :2112 (empty disables)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	configPath := flag.String("config", "", "YAML config file overriding the default tunables")
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := xlog.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)})))

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	if *metricsAddr != "" {
		srv, err := metrics.Serve(*metricsAddr, reg)
		if err != nil {
			return err
		}
		defer srv.Close(2 * time.Second)
		log.Info("metrics exporter listening", slog.String("addr", *metricsAddr))
	}

	source, totalSize, closeSource, err := openSource(*file, *synthetic)
	if err != nil {
		return err
	}
	defer closeSource()

	ep, err := transport.NewUDPEndpoint(*listen, transport.SocketConfig{
		BufferBytes: cfg.SocketBufferBytes,
		TTL:         cfg.TTL,
		TOS:         cfg.TOS,
	})
	if err != nil {
		return err
	}
	defer ep.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		s := <-sig
		log.Warn("terminating on signal", slog.String("signal", s.String()))
		cancel()
	}()

	eng := sender.New(cfg, ep, log, met)

	bar := progressbar.NewOptions64(totalSize,
		progressbar.OptionSetDescription("sending"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWriter(os.Stderr),
	)
	barDone := make(chan struct{})
	go trackSendProgress(eng, bar, int64(cfg.SegmentSize), barDone)
	defer close(barDone)

	log.Info("listening for receiver", slog.String("addr", ep.LocalAddr().String()))
	report, err := eng.Run(ctx, source, totalSize)
	bar.Finish()
	if err != nil {
		return fmt.Errorf("brudp-send: %w", err)
	}
	fmt.Println(report.String())
	if !report.Success {
		return fmt.Errorf("brudp-send: transfer ended without confirming every segment")
	}
	return nil
}

// trackSendProgress polls the engine's confirmed-segment count and updates
// bar until barDone is closed.
func trackSendProgress(eng *sender.Engine, bar *progressbar.ProgressBar, segmentSize int64, barDone <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-barDone:
			return
		case <-ticker.C:
			confirmed, _ := eng.Progress()
			bar.Set64(int64(confirmed) * segmentSize)
		}
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openSource returns an io.ReaderAt and its total size for either a file
// path or a synthetic byte count, and a closer to release any resources.
func openSource(path string, synthetic int64) (io.ReaderAt, int64, func(), error) {
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, nil, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, nil, err
		}
		return f, info.Size(), func() { f.Close() }, nil
	}
	if synthetic <= 0 {
		return nil, 0, nil, fmt.Errorf("brudp-send: either -file or -synthetic must be given")
	}
	return synthSource{size: synthetic}, synthetic, func() {}, nil
}

// synthSource is a deterministic, arbitrarily-seekable byte stream: every
// offset always produces the same bytes, which retransmission requires
// (the sender may re-read the same region many times).
type synthSource struct {
	size int64
}

func (s synthSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > s.size-off {
		n = int(s.size - off)
	}
	for i := 0; i < n; i++ {
		p[i] = byte(bits.RotateLeft64(splitmix64(uint64(off)+uint64(i)), 7))
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// splitmix64 is a fast, well-distributed counter-to-value hash, used here
// purely to fill synthetic payload bytes without a stateful PRNG.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}
