package kestrel

import (
	"fmt"
	"time"
)

// SocketOption is one (level, name, value) triple applied via setsockopt
// to every accepted client socket (spec §3: Adjustments.socket_options).
type SocketOption struct {
	Level int
	Name  int
	Value int
}

// Adjustments is the immutable configuration snapshot a Server is built
// from. It is constructed once via NewAdjustments and never mutated
// afterwards (spec §3).
type Adjustments struct {
	connectionLimit      int
	cleanupInterval      time.Duration
	channelTimeout       time.Duration
	threads              int
	backlog              int
	socketOptions        []SocketOption
	ident                string
	serverName           string
	urlScheme            string
	asyncoreLoopTimeout  time.Duration
	inbufOverflow        int
	outbufOverflow       int
	outbufHighWatermark  int
	recvBytes            int
	sendBytes            int
	exposeTracebacks     bool
}

// ConnectionLimit is the maximum number of live channels a Server may own
// before it pauses accepting; each Server counts only its own channels.
func (a *Adjustments) ConnectionLimit() int { return a.connectionLimit }

// CleanupInterval is how often Server.maintenance runs.
func (a *Adjustments) CleanupInterval() time.Duration { return a.cleanupInterval }

// ChannelTimeout is the idle threshold maintenance uses to kill channels.
func (a *Adjustments) ChannelTimeout() time.Duration { return a.channelTimeout }

// Threads is the dispatcher's fixed worker-pool size.
func (a *Adjustments) Threads() int { return a.threads }

// Backlog is the listen() backlog depth.
func (a *Adjustments) Backlog() int { return a.backlog }

// SocketOptions are applied to every accepted client socket.
func (a *Adjustments) SocketOptions() []SocketOption {
	out := make([]SocketOption, len(a.socketOptions))
	copy(out, a.socketOptions)
	return out
}

func (a *Adjustments) Ident() string                        { return a.ident }
func (a *Adjustments) ServerName() string                   { return a.serverName }
func (a *Adjustments) URLScheme() string                    { return a.urlScheme }
func (a *Adjustments) AsyncoreLoopTimeout() time.Duration    { return a.asyncoreLoopTimeout }
func (a *Adjustments) InbufOverflow() int                    { return a.inbufOverflow }
func (a *Adjustments) OutbufOverflow() int                   { return a.outbufOverflow }
func (a *Adjustments) OutbufHighWatermark() int               { return a.outbufHighWatermark }
func (a *Adjustments) RecvBytes() int                         { return a.recvBytes }
func (a *Adjustments) SendBytes() int                         { return a.sendBytes }
func (a *Adjustments) ExposeTracebacks() bool                 { return a.exposeTracebacks }

// AdjustmentOption configures Adjustments at construction time.
type AdjustmentOption interface {
	apply(*Adjustments) error
}

type adjustmentOptionFunc func(*Adjustments) error

func (f adjustmentOptionFunc) apply(a *Adjustments) error { return f(a) }

// WithConnectionLimit sets the maximum live channels per reactor map.
func WithConnectionLimit(n int) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error {
		if n <= 0 {
			return fmt.Errorf("kestrel: connection_limit must be positive, got %d", n)
		}
		a.connectionLimit = n
		return nil
	})
}

// WithCleanupInterval sets the maintenance sweep period.
func WithCleanupInterval(d time.Duration) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error {
		if d <= 0 {
			return fmt.Errorf("kestrel: cleanup_interval must be positive, got %v", d)
		}
		a.cleanupInterval = d
		return nil
	})
}

// WithChannelTimeout sets the idle-channel kill threshold.
func WithChannelTimeout(d time.Duration) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error {
		if d <= 0 {
			return fmt.Errorf("kestrel: channel_timeout must be positive, got %v", d)
		}
		a.channelTimeout = d
		return nil
	})
}

// WithThreads sets the dispatcher worker-pool size.
func WithThreads(n int) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error {
		if n <= 0 {
			return fmt.Errorf("kestrel: threads must be positive, got %d", n)
		}
		a.threads = n
		return nil
	})
}

// WithBacklog sets the listen() backlog depth.
func WithBacklog(n int) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error {
		if n <= 0 {
			return fmt.Errorf("kestrel: backlog must be positive, got %d", n)
		}
		a.backlog = n
		return nil
	})
}

// WithSocketOptions replaces the (level, name, value) triples applied to
// accepted client sockets.
func WithSocketOptions(opts ...SocketOption) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error {
		a.socketOptions = append([]SocketOption(nil), opts...)
		return nil
	})
}

func WithIdent(ident string) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error { a.ident = ident; return nil })
}

func WithServerName(name string) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error { a.serverName = name; return nil })
}

func WithURLScheme(scheme string) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error { a.urlScheme = scheme; return nil })
}

func WithAsyncoreLoopTimeout(d time.Duration) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error {
		if d <= 0 {
			return fmt.Errorf("kestrel: asyncore_loop_timeout must be positive, got %v", d)
		}
		a.asyncoreLoopTimeout = d
		return nil
	})
}

func WithInbufOverflow(n int) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error { a.inbufOverflow = n; return nil })
}

func WithOutbufOverflow(n int) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error { a.outbufOverflow = n; return nil })
}

func WithOutbufHighWatermark(n int) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error { a.outbufHighWatermark = n; return nil })
}

func WithRecvBytes(n int) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error { a.recvBytes = n; return nil })
}

func WithSendBytes(n int) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error { a.sendBytes = n; return nil })
}

func WithExposeTracebacks(enabled bool) AdjustmentOption {
	return adjustmentOptionFunc(func(a *Adjustments) error { a.exposeTracebacks = enabled; return nil })
}

// NewAdjustments builds an immutable configuration snapshot, applying
// documented defaults first and then every option in order.
func NewAdjustments(opts ...AdjustmentOption) (*Adjustments, error) {
	a := &Adjustments{
		connectionLimit:     100,
		cleanupInterval:     30 * time.Second,
		channelTimeout:      120 * time.Second,
		threads:             4,
		backlog:             1024,
		ident:               "kestrel",
		serverName:          "",
		urlScheme:           "http",
		asyncoreLoopTimeout: time.Second,
		inbufOverflow:       512 * 1024,
		outbufOverflow:      1024 * 1024,
		outbufHighWatermark: 16 * 1024 * 1024,
		recvBytes:           8192,
		sendBytes:           18000,
		exposeTracebacks:    false,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}
