// Command kestreld is a minimal CLI front-end over the kestrel engine.
//
// It is intentionally thin: flag parsing, wiring an Adjustments snapshot,
// and a placeholder Application are all explicitly out-of-scope
// "collaborator" concerns (SPEC_FULL.md §1) the engine itself does not
// specify. Replace the default Application with a real one by importing
// this package's parent module and calling kestrel.New directly.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/activation"

	"github.com/kestrel-io/kestrel"
)

func main() {
	var (
		listen              = flag.String("listen", "0.0.0.0:8080", "space-separated listen list: host:port, unix:/path[:mode], vsock:cid:port")
		connectionLimit     = flag.Int("connection-limit", 100, "maximum live channels before a server pauses accepting")
		threads             = flag.Int("threads", 4, "dispatcher worker-pool size")
		backlog             = flag.Int("backlog", 1024, "listen() backlog depth")
		channelTimeout      = flag.Duration("channel-timeout", 120*time.Second, "idle-channel kill threshold")
		cleanupInterval     = flag.Duration("cleanup-interval", 30*time.Second, "maintenance sweep period")
		ident               = flag.String("ident", "kestrel", "Server header identity")
		serverName          = flag.String("server-name", "", "SERVER_NAME environ value; defaults to the local hostname")
		urlScheme           = flag.String("url-scheme", "http", "URL_SCHEME environ value")
		exposeTracebacks    = flag.Bool("expose-tracebacks", false, "include handler panic detail in 500 responses")
		logLevel            = flag.String("log-level", "info", "debug, info, warn, or error")
		metricsLogInterval  = flag.Duration("metrics-log-interval", 0, "if nonzero, periodically logs an EngineMetrics snapshot at this interval")
	)
	flag.Parse()

	logger := kestrel.NewDefaultLogger(parseLogLevel(*logLevel))
	kestrel.SetStructuredLogger(logger)

	if *serverName == "" {
		if hostname, err := os.Hostname(); err == nil {
			*serverName = hostname
		}
	}

	adj, err := kestrel.NewAdjustments(
		kestrel.WithConnectionLimit(*connectionLimit),
		kestrel.WithThreads(*threads),
		kestrel.WithBacklog(*backlog),
		kestrel.WithChannelTimeout(*channelTimeout),
		kestrel.WithCleanupInterval(*cleanupInterval),
		kestrel.WithIdent(*ident),
		kestrel.WithServerName(*serverName),
		kestrel.WithURLScheme(*urlScheme),
		kestrel.WithExposeTracebacks(*exposeTracebacks),
	)
	if err != nil {
		log.Fatalf("kestreld: %v", err)
	}

	app := defaultApplication()

	srv, err := buildServer(*listen, adj, app, logger)
	if err != nil {
		log.Fatalf("kestreld: %v", err)
	}

	if *metricsLogInterval > 0 {
		m := srv.EnableMetrics()
		go logMetricsPeriodically(m, *metricsLogInterval, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		srv.Interrupt()
	}()

	if err := srv.Run(); err != nil {
		log.Fatalf("kestreld: %v", err)
	}
}

// buildServer picks between two construction paths (SPEC_FULL.md §10's
// FD-handoff/socket-activation wiring): if systemd passed down already-bound
// sockets via LISTEN_FDS, those are adopted; otherwise listen is parsed and
// bound fresh.
func buildServer(listen string, adj *kestrel.Adjustments, app kestrel.Application, logger kestrel.Logger) (*kestrel.MultiSocketServer, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("kestreld: systemd activation: %w", err)
	}
	if len(listeners) == 0 {
		specs, err := kestrel.ParseListenAddresses(listen)
		if err != nil {
			return nil, err
		}
		return kestrel.NewMultiSocketServer(specs, adj, app, logger)
	}

	fds := make([]int, 0, len(listeners))
	specs := make([]kestrel.ListenSpec, 0, len(listeners))
	for _, l := range listeners {
		if l == nil {
			continue
		}
		spec, err := listenSpecFromAddr(l.Addr())
		if err != nil {
			return nil, err
		}
		f, err := fileFromListener(l)
		if err != nil {
			return nil, fmt.Errorf("kestreld: extracting fd from adopted listener: %w", err)
		}
		fds = append(fds, int(f.Fd()))
		specs = append(specs, spec)
		// The dup'd fd in f now owns the socket; the original net.Listener
		// is redundant and would otherwise leak.
		_ = l.Close()
	}
	return kestrel.AdoptMultiSocketServer(fds, specs, adj, app, logger)
}

type fileLister interface {
	File() (*os.File, error)
}

func fileFromListener(l net.Listener) (*os.File, error) {
	fl, ok := l.(fileLister)
	if !ok {
		return nil, fmt.Errorf("listener type %T has no File() method", l)
	}
	return fl.File()
}

func listenSpecFromAddr(addr net.Addr) (kestrel.ListenSpec, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return kestrel.ListenSpec{Family: kestrel.FamilyTCP, Host: a.IP.String(), Port: a.Port}, nil
	case *net.UnixAddr:
		return kestrel.ListenSpec{Family: kestrel.FamilyUnix, Path: a.Name}, nil
	default:
		return kestrel.ListenSpec{}, fmt.Errorf("kestreld: unsupported adopted address type %T", addr)
	}
}

func parseLogLevel(s string) kestrel.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return kestrel.LevelDebug
	case "warn":
		return kestrel.LevelWarn
	case "error":
		return kestrel.LevelError
	default:
		return kestrel.LevelInfo
	}
}

func logMetricsPeriodically(m *kestrel.EngineMetrics, interval time.Duration, logger kestrel.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		snap := m.Snapshot()
		logger.Log(kestrel.LogEntry{
			Level:    kestrel.LevelInfo,
			Category: "metrics",
			Message:  "engine snapshot",
			Context: map[string]interface{}{
				"rps":               snap.RPS,
				"latency_p50":       snap.Latency.P50.String(),
				"latency_p99":       snap.Latency.P99.String(),
				"dispatcher_depth":  snap.Queue.DispatcherCurrent,
				"active_channels":   snap.Queue.ChannelsCurrent,
			},
		})
	}
}

// defaultApplication is a placeholder Application returning a fixed
// plaintext response, so `kestreld` boots a working server out of the box
// (SPEC_FULL.md §1: "so cmd/kestreld boots a working server").
func defaultApplication() kestrel.Application {
	return kestrel.ApplicationFunc(func(env kestrel.Environ, start kestrel.StartResponse) kestrel.BodyIterator {
		body := []byte("kestrel is running\n")
		headers := kestrel.ResponseHeaders{
			Status: "200 OK",
			Headers: []kestrel.HeaderField{
				{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
				{Name: "Content-Length", Value: strconv.Itoa(len(body))},
			},
		}
		if err := start(headers, nil); err != nil {
			return kestrel.NewSliceBody()
		}
		return kestrel.NewSliceBody(body)
	})
}
