// Package connectivity tracks whether the backend is reachable and
// publishes online/offline transitions on the event bus.
//
// The monitor combines three signals:
//  1. A periodic probe (default: HTTP HEAD against a configured URL).
//  2. A manual override via SetOnline, for embedders and tests.
//  3. An offline marker file watched with fsnotify: while the marker
//     exists the monitor reports offline regardless of probe results,
//     giving users a "work offline" switch.
package connectivity

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/quiltworks/outpost/internal/bus"
)

// Probe reports whether the backend is currently reachable.
type Probe func(ctx context.Context) bool

// Config holds configuration for the monitor.
type Config struct {
	// ProbeURL is the endpoint the default probe sends a HEAD request to.
	// Ignored when Probe is set. Empty disables probing entirely; the
	// monitor then only changes state via SetOnline and the marker file.
	ProbeURL string

	// Probe overrides the default HTTP probe.
	Probe Probe

	// ProbeInterval is how often the probe runs.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe attempt.
	ProbeTimeout time.Duration

	// MarkerPath is an optional file path watched with fsnotify. While
	// the file exists the monitor reports offline.
	MarkerPath string

	// Logger for monitor activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval: 15 * time.Second,
		ProbeTimeout:  5 * time.Second,
		Logger:        log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Monitor tracks online/offline state and publishes transitions.
type Monitor struct {
	config *Config
	events *bus.Bus
	probe  Probe

	mu       sync.Mutex
	online   bool // probe/manual result
	override bool // marker file present
	running  bool

	watcher *markerWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor publishing transitions on events.
//
// The monitor starts offline; the first successful probe (or an explicit
// SetOnline) brings it online. Use Start() to begin probing.
func New(events *bus.Bus, config *Config) (*Monitor, error) {
	if events == nil {
		return nil, fmt.Errorf("event bus cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 15 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}

	m := &Monitor{
		config: config,
		events: events,
	}

	switch {
	case config.Probe != nil:
		m.probe = config.Probe
	case config.ProbeURL != "":
		m.probe = httpProbe(config.ProbeURL, config.ProbeTimeout)
	}

	return m, nil
}

// httpProbe returns a Probe that sends a HEAD request to url. Any
// response at all counts as reachable; only transport failures count
// as offline.
func httpProbe(url string, timeout time.Duration) Probe {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}
}

// IsOnline reports the current effective state: online and not
// overridden by the marker file.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online && !m.override
}

// SetOnline sets the probed state manually. Embedders without a probe
// use it to feed platform connectivity signals; tests use it to drive
// transitions deterministically.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	was := m.online && !m.override
	m.online = online
	now := m.online && !m.override
	m.mu.Unlock()

	if was != now {
		m.publishTransition(now)
	}
}

// setOverride records marker-file presence.
func (m *Monitor) setOverride(present bool) {
	m.mu.Lock()
	was := m.online && !m.override
	m.override = present
	now := m.online && !m.override
	m.mu.Unlock()

	if was != now {
		m.publishTransition(now)
	}
}

func (m *Monitor) publishTransition(online bool) {
	if online {
		m.config.Logger.Println("Connectivity: online")
	} else {
		m.config.Logger.Println("Connectivity: offline")
	}
	m.events.Publish(bus.ConnectivityChanged{Online: online})
}

// Start begins the probe loop and, when configured, the marker watch.
// It returns immediately; use Stop to shut down.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	if m.config.MarkerPath != "" {
		w, err := newMarkerWatcher(m.config.MarkerPath, m.setOverride, m.config.Logger)
		if err != nil {
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			m.cancel()
			return fmt.Errorf("failed to watch offline marker: %w", err)
		}
		m.watcher = w
	}

	if m.probe != nil {
		m.wg.Add(1)
		go m.probeLoop()
	}

	return nil
}

// probeLoop re-checks reachability on a fixed interval. The first probe
// runs immediately so startup state does not wait a full interval.
func (m *Monitor) probeLoop() {
	defer m.wg.Done()

	m.runProbe()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runProbe()
		}
	}
}

func (m *Monitor) runProbe() {
	ctx, cancel := context.WithTimeout(m.ctx, m.config.ProbeTimeout)
	defer cancel()
	m.SetOnline(m.probe(ctx))
}

// IsRunning returns true if the monitor is currently running.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stop shuts down the probe loop and marker watch. It blocks until the
// background goroutines have exited. Safe to call when not running.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			return err
		}
		m.watcher = nil
	}
	return nil
}
