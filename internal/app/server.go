// Package app wires the forwarding engine, the health monitor, the node
// directory and the status service into one controllable proxy server.
package app

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gamelink/internal/core/engine"
	"gamelink/internal/core/health"
	"gamelink/internal/core/state"
	"gamelink/internal/service/web"
	"gamelink/internal/shared/logger"
	"gamelink/internal/shared/types"
)

const statsInterval = 2 * time.Second

// Server is the composition root. All shared runtime state lives in st;
// Server adds lifecycle, persistence and the operator-facing operations.
type Server struct {
	cfg       *types.Config
	st        *state.State
	engine    *engine.Engine
	monitor   *health.Monitor
	hub       *web.Hub
	cachePath string

	mu     sync.Mutex // serializes Start/Stop transitions
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewServer builds a stopped server from configuration. dir may be nil when
// no subscription is configured; the refresh loop then stays off and manual
// refreshes fail cleanly. cachePath may be empty to disable persistence.
func NewServer(cfg *types.Config, dir health.Directory, cachePath string) *Server {
	st := state.New()

	listenAddr := fmt.Sprintf("127.0.0.1:%d", cfg.CommonConf.ListenPort)
	eng := engine.New(listenAddr, st, nil)

	mon := health.New(health.Config{
		ProbeInterval:    time.Duration(cfg.HealthConf.ProbeIntervalS) * time.Second,
		ProbeTimeout:     time.Duration(cfg.HealthConf.ProbeTimeoutS) * time.Second,
		FailoverTimeout:  time.Duration(cfg.HealthConf.FailoverTimeoutS) * time.Second,
		RefreshInterval:  time.Duration(cfg.HealthConf.RefreshIntervalS) * time.Second,
		FailureThreshold: cfg.HealthConf.FailureThreshold,
		MaxLatencyMS:     int64(cfg.HealthConf.MaxLatencyMS),
	}, st, dir)

	s := &Server{
		cfg:       cfg,
		st:        st,
		engine:    eng,
		monitor:   mon,
		hub:       web.NewHub(),
		cachePath: cachePath,
	}
	mon.SetOnChange(s.onPoolChange)
	return s
}

// IsRunning reports whether the proxy is accepting traffic.
func (s *Server) IsRunning() bool {
	return s.st.Running()
}

// Start binds the engine and launches the monitor and the stats loop.
// Returns types.ErrAlreadyRunning while running, or the engine's bind error.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st.Running() {
		return types.ErrAlreadyRunning
	}
	if err := s.engine.Start(); err != nil {
		return err
	}
	s.monitor.Start()

	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.statsLoop(s.stopCh)

	s.hub.BroadcastStatusUpdate()
	return nil
}

// Stop halts the monitor and the engine loops. In-flight TCP relays finish
// on their own. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	s.monitor.Stop()
	s.engine.Stop()
	s.wg.Wait()

	s.hub.BroadcastStatusUpdate()
	logger.Info().Msg("Proxy server stopped")
}

// Run starts the proxy, the WebSocket hub and the status API, then blocks
// until SIGINT/SIGTERM and stops everything.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	go s.hub.Run()
	var webWG sync.WaitGroup
	web.StartServer(&webWG, s.cfg.WebConf, s, s.hub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	s.Stop()
	return nil
}

// statsLoop pushes a dashboard frame every statsInterval while the proxy
// runs, deriving rates from the byte counter deltas.
func (s *Server) statsLoop(stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var lastUplink, lastDownlink uint64
	var lastTimestamp time.Time

	for {
		select {
		case <-ticker.C:
			currentUplink, currentDownlink := s.st.TrafficTotals()

			now := time.Now()
			var upRate, downRate uint64
			if !lastTimestamp.IsZero() {
				elapsed := now.Sub(lastTimestamp).Seconds()
				if elapsed > 0 {
					upRate = uint64(float64(currentUplink-lastUplink) / elapsed)
					downRate = uint64(float64(currentDownlink-lastDownlink) / elapsed)
				}
			}
			lastUplink = currentUplink
			lastDownlink = currentDownlink
			lastTimestamp = now

			s.hub.BroadcastDashboardUpdate(&web.DashboardStats{
				Timestamp:         now,
				ActiveConnections: s.st.ActiveConns(),
				UplinkRate:        upRate,
				DownlinkRate:      downRate,
			})

		case <-stop:
			return
		}
	}
}
