package health

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gamelink/internal/core/state"
	"gamelink/internal/shared/logger"
	"gamelink/internal/shared/types"
)

// Directory supplies fresh nodes for pool refreshes. Implemented by
// internal/directory; declared here so the monitor stays decoupled from the
// subscription machinery.
type Directory interface {
	// FetchAndParse retrieves the merged node list from every configured source.
	FetchAndParse() ([]types.Node, error)
	// TestReachability annotates each node's latency in place and returns the
	// slice sorted ascending by latency, unreachable nodes last.
	TestReachability(nodes []types.Node) []types.Node
}

// Defaults for zero-valued Config fields.
const (
	DefaultProbeInterval    = 30 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultFailoverTimeout  = 3 * time.Second
	DefaultRefreshInterval  = 300 * time.Second
	DefaultFailureThreshold = 3
	DefaultMaxLatencyMS     = 1000
)

// Config carries the monitor's timing knobs. Zero values fall back to the
// defaults above.
type Config struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	FailoverTimeout  time.Duration
	RefreshInterval  time.Duration
	FailureThreshold int
	MaxLatencyMS     int64
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.FailoverTimeout <= 0 {
		c.FailoverTimeout = DefaultFailoverTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.MaxLatencyMS <= 0 {
		c.MaxLatencyMS = DefaultMaxLatencyMS
	}
	return c
}

// Monitor probes the active node and refreshes the backup pool on two
// independent tickers, promoting a backup when the active node stays dark
// for FailureThreshold consecutive probes.
type Monitor struct {
	cfg      Config
	st       *state.State
	dir      Directory
	onChange func()

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func New(cfg Config, st *state.State, dir Directory) *Monitor {
	return &Monitor{
		cfg: cfg.withDefaults(),
		st:  st,
		dir: dir,
	}
}

// SetOnChange registers a callback fired after a failover or a successful
// refresh. Must be set before Start.
func (m *Monitor) SetOnChange(fn func()) {
	m.onChange = fn
}

// Start launches the probe and refresh loops. No-op while already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.stopCh = make(chan struct{})
	m.running = true

	m.wg.Add(1)
	go m.probeLoop(m.stopCh)

	if m.dir != nil {
		m.wg.Add(1)
		go m.refreshLoop(m.stopCh)

		// First pool without waiting out a full refresh interval.
		go func() {
			if err := m.Refresh(); err != nil {
				logger.Warn().Err(err).Msg("Initial refresh failed, keeping seeded pool")
			}
		}()
	}

	logger.Info().
		Str("probe_interval", m.cfg.ProbeInterval.String()).
		Str("refresh_interval", m.cfg.RefreshInterval.String()).
		Msg("Health monitor started")
}

// Stop halts both loops and waits for them to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	logger.Info().Msg("Health monitor stopped")
}

func (m *Monitor) probeLoop(stop chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.probeOnce()
		}
	}
}

func (m *Monitor) refreshLoop(stop chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.Refresh(); err != nil {
				logger.Warn().Err(err).Msg("Scheduled refresh failed, keeping previous pool")
			}
		}
	}
}

// probeOnce dials the active node once and walks its failure counter.
func (m *Monitor) probeOnce() {
	node, ok := m.st.ActiveNode()
	if !ok {
		return
	}

	if err := probe(node.Addr(), m.cfg.ProbeTimeout); err != nil {
		count := m.st.IncrementFailure(node.Name)
		logger.Warn().Err(err).
			Str("node", node.Name).
			Int("failures", count).
			Msg("Health probe failed")
		if count >= m.cfg.FailureThreshold {
			m.failover(node)
		}
		return
	}

	if m.st.FailureCount(node.Name) > 0 {
		logger.Info().Str("node", node.Name).Msg("Health probe recovered")
	}
	m.st.ResetFailures(node.Name)
}

// failover promotes the first backup that answers a bounded dial. The pool
// is latency-sorted, so iteration order is preference order. When nothing
// answers the active node stays in place and the next failed probe retries.
func (m *Monitor) failover(failed types.Node) {
	for _, candidate := range m.st.BackupPool() {
		if err := probe(candidate.Addr(), m.cfg.FailoverTimeout); err != nil {
			logger.Warn().Err(err).
				Str("node", candidate.Name).
				Msg("Failover candidate unreachable")
			continue
		}
		m.st.Promote(candidate)
		logger.Info().
			Str("from", failed.Name).
			Str("to", candidate.Name).
			Msg("Failover complete")
		m.notify()
		return
	}

	logger.Error().Err(types.ErrNoBackupAvailable).
		Str("node", failed.Name).
		Msg("Failover found no reachable backup, keeping active node")
}

// Refresh runs the directory pipeline and swaps the backup pool with the
// nodes passing the latency cutoff. On any error the previous pool stays in
// place. Also the entry point for manual refreshes.
func (m *Monitor) Refresh() error {
	if m.dir == nil {
		return errors.New("refresh: no node directory configured")
	}
	nodes, err := m.dir.FetchAndParse()
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	tested := m.dir.TestReachability(nodes)

	usable := make([]types.Node, 0, len(tested))
	for _, n := range tested {
		if n.Latency > 0 && n.Latency < m.cfg.MaxLatencyMS {
			usable = append(usable, n)
		}
	}
	m.st.SetBackupPool(usable)

	logger.Info().
		Int("fetched", len(tested)).
		Int("usable", len(usable)).
		Msg("Backup pool refreshed")
	m.notify()
	return nil
}

func (m *Monitor) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

// probe attempts one bounded TCP connect. The connection itself is the
// health signal; it is closed immediately.
func probe(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}
