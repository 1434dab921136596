// CLAUDE:SUMMARY Chrome lifecycle for the render strategy: lazy launch or remote connect, render concurrency slots, age/crash recycling.
// Package browser implements the headless render strategy. A Manager owns
// one Chrome process; every render runs in its own incognito context which is
// disposed on every exit path.
package browser

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/launcher"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Bin is the local Chrome binary. Empty = launcher lookup/download.
	Bin string

	// NoSandbox is required when running as root in containers.
	NoSandbox bool

	// MaxLifetime is the maximum age of a Chrome process. Default: 1h.
	MaxLifetime time.Duration

	// MaxConcurrent bounds simultaneous renders. Default: 2.
	MaxConcurrent int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = time.Hour
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager manages the Chrome lifecycle. Chrome is started on first use.
type Manager struct {
	cfg   Config
	slots chan struct{}

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	active  int
	broken  bool
	closed  bool

	// launching is non-nil while one caller launches outside mu; it is
	// closed when that launch settles.
	launching chan struct{}
}

// NewManager creates a Manager. No process is started until the first render.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// acquire waits for a render slot and returns the live browser. release must
// be called exactly once; crashed=true schedules a recycle once idle. The
// launch or connect runs under ctx, and callers waiting on another caller's
// launch give up when their own ctx ends.
func (m *Manager) acquire(ctx context.Context) (*rod.Browser, func(crashed bool), error) {
	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			<-m.slots
			return nil, nil, errManagerClosed
		}
		if m.browser != nil && m.active == 0 && (m.broken || time.Since(m.startAt) > m.cfg.MaxLifetime) {
			m.cfg.Logger.Info("browser: recycling", "uptime", time.Since(m.startAt), "broken", m.broken)
			m.cleanup()
		}
		if m.browser != nil {
			m.active++
			b := m.browser
			m.mu.Unlock()
			return b, m.releaser(), nil
		}
		if wait := m.launching; wait != nil {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				<-m.slots
				return nil, nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		m.launching = done
		m.mu.Unlock()

		nb, l, err := m.launch(ctx)

		m.mu.Lock()
		m.launching = nil
		close(done)
		if err == nil && m.closed {
			closeBrowser(nb, l, m.cfg.Logger)
			err = errManagerClosed
		}
		if err != nil {
			m.mu.Unlock()
			<-m.slots
			return nil, nil, err
		}
		m.browser, m.lnch = nb, l
		m.startAt = time.Now()
		m.broken = false
		m.active++
		m.mu.Unlock()
		return nb, m.releaser(), nil
	}
}

var errManagerClosed = errors.New("browser: manager is closed")

func (m *Manager) releaser() func(crashed bool) {
	var once sync.Once
	return func(crashed bool) {
		once.Do(func() {
			m.mu.Lock()
			m.active--
			if crashed {
				m.broken = true
			}
			m.mu.Unlock()
			<-m.slots
		})
	}
}

// Close shuts Chrome down. Renders in flight fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

// launch starts or connects to Chrome. It touches no Manager state so it can
// run without mu.
func (m *Manager) launch(ctx context.Context) (*rod.Browser, *launcher.Launcher, error) {
	log := m.cfg.Logger

	var l *launcher.Launcher
	wsURL := m.cfg.RemoteURL
	if wsURL != "" {
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l = launcher.New().Context(ctx).Headless(true)
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		if m.cfg.NoSandbox {
			l = l.NoSandbox(true)
		}

		// Anti-detection flags.
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			l.Kill()
			return nil, nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		log.Info("browser: launched local chrome", "url", wsURL)
	}

	b, err := connect(ctx, wsURL)
	if err != nil {
		if l != nil {
			l.Kill()
			l.Cleanup()
		}
		return nil, nil, fmt.Errorf("browser: connect %s: %w", wsURL, err)
	}
	return b, l, nil
}

// connect opens a DevTools session on wsURL. Until the session is up the
// socket is cut when ctx ends; the returned browser is not bound to ctx.
func connect(ctx context.Context, wsURL string) (*rod.Browser, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	d := &boundDialer{tls: u.Scheme == "wss"}
	if d.tls && u.Port() == "" {
		u.Host += ":443"
		wsURL = u.String()
	}

	ws := &cdp.WebSocket{Dialer: d}
	if err := ws.Connect(ctx, wsURL, nil); err != nil {
		d.abort(ws)
		return nil, err
	}
	b := rod.New().Client(cdp.New().Start(ws))
	if err := b.Connect(); err != nil {
		d.abort(ws)
		return nil, err
	}
	if !d.stop() {
		ws.Close()
		return nil, ctx.Err()
	}
	return b, nil
}

// boundDialer ties the dialed socket to the dial ctx: when ctx ends the
// socket deadline is set to now, which unblocks the handshake and the first
// CDP round trip.
type boundDialer struct {
	tls  bool
	stop func() bool
}

func (d *boundDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var conn net.Conn
	var err error
	if d.tls {
		conn, err = (&tls.Dialer{}).DialContext(ctx, network, addr)
	} else {
		conn, err = (&net.Dialer{}).DialContext(ctx, network, addr)
	}
	if err != nil {
		return nil, err
	}
	d.stop = context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	return conn, nil
}

// abort closes a half-open socket. Without a dialed conn there is nothing to close.
func (d *boundDialer) abort(ws *cdp.WebSocket) {
	if d.stop == nil {
		return
	}
	d.stop()
	ws.Close()
}

func (m *Manager) cleanup() {
	closeBrowser(m.browser, m.lnch, m.cfg.Logger)
	m.browser = nil
	m.lnch = nil
}

func closeBrowser(b *rod.Browser, l *launcher.Launcher, log *slog.Logger) {
	if b != nil {
		if err := b.Close(); err != nil {
			log.Debug("browser: close", "error", err)
		}
	}
	if l != nil {
		l.Kill()
		l.Cleanup()
	}
}
