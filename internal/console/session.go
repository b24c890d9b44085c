// Package console manages a single remote-console session that connects on
// first use and disconnects itself after a period of inactivity.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultIdleTimeout is how long an unused connection stays open.
const DefaultIdleTimeout = 100 * time.Second

// Endpoint identifies a remote console.
type Endpoint struct {
	Host   string
	Port   int
	UseTLS bool
	// InsecureSkipVerify disables certificate verification in TLS mode.
	InsecureSkipVerify bool
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Conn is an authenticated console connection.
type Conn interface {
	Execute(command string) (string, error)
	Close() error
}

// Dialer opens authenticated connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint, password string) (Conn, error)
}

// Observer receives session lifecycle events. Implementations must not call
// back into the Session.
type Observer interface {
	ConsoleConnected()
	ConsoleDisconnected(reason string)
	ConsoleCommand(err error)
}

// Disconnect reasons reported to the Observer.
const (
	ReasonIdle          = "idle"
	ReasonCommandFailed = "command_failed"
	ReasonClosed        = "closed"
)

// Status is a point-in-time view of the session.
type Status struct {
	Endpoint     string
	TLS          bool
	Connected    bool
	Connects     uint64
	LastActivity time.Time
	IdleTimeout  time.Duration
	IdleDeadline time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithIdleTimeout overrides DefaultIdleTimeout. Non-positive values are ignored.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// WithDialer replaces the RCON dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithClock replaces the wall clock used for idle timers.
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger. A "component" attribute is added to it.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver receives connection and command events.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// Session is a lazily connected console session shared by concurrent callers.
//
// connMu guards the connection handle and is held for the whole of Execute,
// so commands never interleave on the wire and the idle callback cannot close
// a handle that a command is using. timerMu guards the idle timer and is only
// ever taken while holding connMu (or alone by Status), never the other way
// around.
type Session struct {
	endpoint    Endpoint
	password    string
	dialer      Dialer
	clock       clockwork.Clock
	idleTimeout time.Duration
	logger      *slog.Logger
	observer    Observer

	connMu sync.Mutex
	conn   Conn
	closed bool

	timerMu      sync.Mutex
	idleTimer    clockwork.Timer
	idleDeadline time.Time

	// idleGen is bumped whenever the idle timer is replaced or cancelled.
	// Written with both locks held, read by the idle callback under connMu.
	idleGen atomic.Uint64

	connected    atomic.Bool
	connects     atomic.Uint64
	lastActivity atomic.Int64
}

// New returns a disconnected session for endpoint.
func New(endpoint Endpoint, password string, opts ...Option) *Session {
	s := &Session{
		endpoint:    endpoint,
		password:    password,
		dialer:      &RCONDialer{},
		clock:       clockwork.NewRealClock(),
		idleTimeout: DefaultIdleTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "console", "endpoint", endpoint.Address())
	return s
}

// Execute sends command and returns the console's response, connecting first
// if needed and re-arming the idle timer.
//
// timeout must be zero, meaning wait for the response indefinitely; any other
// value fails with ErrTimeoutUnsupported before touching the network. ctx
// bounds connection establishment only.
func (s *Session) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if timeout != 0 {
		return "", ErrTimeoutUnsupported
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if s.conn == nil {
		if err := s.connectLocked(ctx); err != nil {
			return "", err
		}
	}
	s.resetIdleTimerLocked()

	s.logger.Info("execute command", "command", command)
	resp, err := s.conn.Execute(command)
	s.notifyCommand(err)
	if err != nil {
		s.dropLocked(ReasonCommandFailed)
		return "", fmt.Errorf("%w: %w", ErrCommand, err)
	}
	s.lastActivity.Store(s.clock.Now().UnixNano())
	return resp, nil
}

// TimeoutFromSeconds converts a caller-supplied timeout in seconds. Any
// nonzero value maps to a nonzero duration, so fractions too small to
// represent still reach Execute and are rejected there.
func TimeoutFromSeconds(secs float64) time.Duration {
	if secs == 0 {
		return 0
	}
	d := time.Duration(secs * float64(time.Second))
	if d == 0 {
		if secs < 0 {
			return -1
		}
		return 1
	}
	return d
}

// Close cancels the idle timer and closes any open connection. Further
// Execute calls fail with ErrClosed.
func (s *Session) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancelIdleTimerLocked()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.connected.Store(false)
	if s.observer != nil {
		s.observer.ConsoleDisconnected(ReasonClosed)
	}
	return err
}

// Status reports the session state without waiting for in-flight commands.
func (s *Session) Status() Status {
	st := Status{
		Endpoint:    s.endpoint.Address(),
		TLS:         s.endpoint.UseTLS,
		Connected:   s.connected.Load(),
		Connects:    s.connects.Load(),
		IdleTimeout: s.idleTimeout,
	}
	if ns := s.lastActivity.Load(); ns != 0 {
		st.LastActivity = time.Unix(0, ns)
	}
	s.timerMu.Lock()
	if st.Connected {
		st.IdleDeadline = s.idleDeadline
	}
	s.timerMu.Unlock()
	return st
}

func (s *Session) connectLocked(ctx context.Context) error {
	conn, err := s.dialer.Dial(ctx, s.endpoint, s.password)
	if err != nil {
		s.logger.Warn("connect failed", "err", err)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	s.conn = conn
	s.connected.Store(true)
	s.connects.Add(1)
	s.logger.Info("connected to console", "tls", s.endpoint.UseTLS)
	if s.observer != nil {
		s.observer.ConsoleConnected()
	}
	return nil
}

// dropLocked closes a connection that can no longer be trusted.
func (s *Session) dropLocked(reason string) {
	s.cancelIdleTimerLocked()
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("close after failure", "err", err)
	}
	s.conn = nil
	s.connected.Store(false)
	if s.observer != nil {
		s.observer.ConsoleDisconnected(reason)
	}
}

func (s *Session) resetIdleTimerLocked() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	gen := s.idleGen.Add(1)
	s.idleDeadline = s.clock.Now().Add(s.idleTimeout)
	s.idleTimer = s.clock.AfterFunc(s.idleTimeout, func() {
		s.disconnectOnIdle(gen)
	})
}

func (s *Session) cancelIdleTimerLocked() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.idleGen.Add(1)
	s.idleDeadline = time.Time{}
}

// disconnectOnIdle runs on the timer goroutine. A timer that was stopped or
// replaced after it fired sees a newer generation and does nothing.
func (s *Session) disconnectOnIdle(gen uint64) {
	s.connMu.Lock()
	if gen != s.idleGen.Load() || s.conn == nil {
		s.connMu.Unlock()
		return
	}
	err := s.conn.Close()
	s.conn = nil
	s.connected.Store(false)
	s.connMu.Unlock()

	if err != nil {
		s.logger.Debug("close idle connection", "err", err)
	}
	s.logger.Info("console is inactive, disconnected", "idle", s.idleTimeout)
	if s.observer != nil {
		s.observer.ConsoleDisconnected(ReasonIdle)
	}
}

func (s *Session) notifyCommand(err error) {
	if s.observer != nil {
		s.observer.ConsoleCommand(err)
	}
}
