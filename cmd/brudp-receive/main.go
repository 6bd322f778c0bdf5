// Command brudp-receive resolves a sender's address, completes the
// handshake, and writes the reassembled transfer to a file (or stdout)
// using the receiver engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"

	"github.com/soypat/brudp/config"
	"github.com/soypat/brudp/internal/xlog"
	"github.com/soypat/brudp/metrics"
	"github.com/soypat/brudp/receiver"
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
	sender := flag.String("sender", "", "host:port of the sender to connect to")
	listen := flag.String("listen", ":0", "local UDP address to bind")
	out := flag.String("out", "", "output file path (empty writes to stdout)")
	metricsAddr := flag.String("metrics-addr", "", "address to expose Prometheus metrics on, e.g. :2113 (empty disables)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	configPath := flag.String("config", "", "YAML config file overriding the default tunables")
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if *sender == "" {
		return fmt.Errorf("brudp-receive: -sender host:port is required")
	}
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

	serverAddr, err := resolveSender(*sender)
	if err != nil {
		return err
	}
	log.Info("resolved sender", slog.String("addr", serverAddr.String()))

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

	w, closeOut, err := openSink(*out)
	if err != nil {
		return err
	}
	defer closeOut()

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

	eng := receiver.New(cfg, ep, log, met)

	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("receiving"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr),
	)
	barDone := make(chan struct{})
	go trackReceiveProgress(eng, bar, barDone)
	defer close(barDone)

	report, err := eng.Run(ctx, serverAddr, w)
	bar.Finish()
	if err != nil {
		return fmt.Errorf("brudp-receive: %w", err)
	}
	fmt.Println(report.String())
	if !report.Success {
		return fmt.Errorf("brudp-receive: transfer ended without assembling every segment")
	}
	return nil
}

func trackReceiveProgress(eng *receiver.Engine, bar *progressbar.ProgressBar, barDone <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var sizedMax bool
	for {
		select {
		case <-barDone:
			return
		case <-ticker.C:
			assembled, total := eng.Progress()
			if !sizedMax && total > 0 {
				bar.ChangeMax64(int64(total))
				sizedMax = true
			}
			bar.Set64(int64(assembled))
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

func openSink(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// resolveSender parses hostPort as host:port. If the host is not already a
// literal IP address, it is resolved with an explicit, timeout-bounded
// miekg/dns A query before falling back to net.ResolveUDPAddr (which
// uses the OS resolver and has no per-query timeout knob of its own).
func resolveSender(hostPort string) (net.Addr, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, fmt.Errorf("brudp-receive: parsing -sender %q: %w", hostPort, err)
	}
	if ip := net.ParseIP(host); ip != nil {
		return net.ResolveUDPAddr("udp4", hostPort)
	}
	if ip, ok := lookupWithDNS(host); ok {
		return net.ResolveUDPAddr("udp4", net.JoinHostPort(ip.String(), port))
	}
	return net.ResolveUDPAddr("udp4", hostPort)
}

// lookupWithDNS queries the first nameserver listed in /etc/resolv.conf
// directly for an A record, with a 2s timeout, returning ok=false on any
// failure so the
// caller can fall back to net.ResolveUDPAddr.
func lookupWithDNS(host string) (net.IP, bool) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return nil, false
	}
	c := &dns.Client{Timeout: 2 * time.Second}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	server := net.JoinHostPort(conf.Servers[0], conf.Port)
	r, _, err := c.Exchange(m, server)
	if err != nil || r == nil {
		return nil, false
	}
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			return a.A, true
		}
	}
	return nil, false
}
