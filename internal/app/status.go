package app

import (
	"fmt"

	"gamelink/internal/gamedetect"
	"gamelink/internal/shared/config"
	"gamelink/internal/shared/logger"
	"gamelink/internal/shared/types"
)

// SetNode replaces the active node. The previous active node is discarded,
// not returned to the pool.
func (s *Server) SetNode(n types.Node) {
	s.st.SetActiveNode(n)
	s.hub.BroadcastStatusUpdate()
}

// SetBackupNodes replaces the backup pool. The caller is expected to hand
// over a latency-sorted slice; the active node is filtered out by name.
func (s *Server) SetBackupNodes(nodes []types.Node) {
	s.st.SetBackupPool(nodes)
	s.hub.BroadcastStatusUpdate()
}

// SelectNode promotes a backup pool node by name. Selecting the node that is
// already active is a no-op.
func (s *Server) SelectNode(name string) error {
	if active, ok := s.st.ActiveNode(); ok && active.Name == name {
		return nil
	}
	for _, n := range s.st.BackupPool() {
		if n.Name != name {
			continue
		}
		s.st.Promote(n)
		logger.Info().Str("node", name).Msg("Node selected")
		s.onPoolChange()
		return nil
	}
	return fmt.Errorf("select node %q: %w", name, types.ErrNoSuchNode)
}

// RefreshNow runs the directory pipeline once, outside the schedule.
func (s *Server) RefreshNow() error {
	return s.monitor.Refresh()
}

// Status assembles a point-in-time snapshot for the API and the CLI.
func (s *Server) Status() types.StatusSnapshot {
	uplink, downlink := s.st.TrafficTotals()
	snap := types.StatusSnapshot{
		Running:       s.st.Running(),
		BackupPool:    s.st.BackupPool(),
		FailureCounts: s.st.FailureCounts(),
		UDPSessions:   s.engine.SessionCount(),
		ActiveConns:   s.st.ActiveConns(),
		UplinkBytes:   uplink,
		DownlinkBytes: downlink,
	}
	if active, ok := s.st.ActiveNode(); ok {
		snap.ActiveNode = &active
	}
	return snap
}

// Detections reports game processes currently running on this machine.
func (s *Server) Detections() ([]gamedetect.Detection, error) {
	return gamedetect.Detect()
}

// ApplyStartupSelection seeds the pool from cached nodes and picks the
// initial active node: an explicit selected_node wins, then auto_select
// takes the lowest-latency reachable node, otherwise everything stays
// pooled and traffic is dropped until a refresh or a manual selection.
func (s *Server) ApplyStartupSelection(nodes []types.Node) {
	s.st.SetBackupPool(nodes)

	if selected := s.cfg.CommonConf.SelectedNode; selected != "" {
		for _, n := range nodes {
			if n.Name == selected {
				s.st.SetActiveNode(n)
				logger.Info().Str("node", n.Name).Msg("Using configured node")
				return
			}
		}
		logger.Warn().Str("node", selected).Msg("Configured node not found in cache")
	}

	if !s.cfg.CommonConf.AutoSelect {
		return
	}
	var best *types.Node
	for i := range nodes {
		if !nodes[i].Reachable() {
			continue
		}
		if best == nil || nodes[i].Latency < best.Latency {
			best = &nodes[i]
		}
	}
	if best == nil {
		logger.Warn().Msg("No reachable cached node to auto-select")
		return
	}
	s.st.SetActiveNode(*best)
	logger.Info().Str("node", best.Name).Int64("latency_ms", best.Latency).Msg("Auto-selected node")
}

// onPoolChange runs after a failover, a refresh or a manual selection:
// fill an empty active slot when auto-select allows, persist the surviving
// node set, nudge status clients.
func (s *Server) onPoolChange() {
	if _, ok := s.st.ActiveNode(); !ok && s.cfg.CommonConf.AutoSelect {
		if pool := s.st.BackupPool(); len(pool) > 0 {
			// Pool is latency-sorted, so the head is the best candidate.
			s.st.Promote(pool[0])
			logger.Info().Str("node", pool[0].Name).Msg("Auto-selected node")
		}
	}
	s.persistNodes()
	s.hub.BroadcastStatusUpdate()
}

// persistNodes writes active node + pool back to the cache file so the next
// start can seed from the last known-good set.
func (s *Server) persistNodes() {
	if s.cachePath == "" {
		return
	}
	nodes := make([]types.Node, 0, len(s.st.BackupPool())+1)
	if active, ok := s.st.ActiveNode(); ok {
		nodes = append(nodes, active)
	}
	nodes = append(nodes, s.st.BackupPool()...)

	if err := config.SaveNodes(s.cachePath, nodes); err != nil {
		logger.Warn().Err(err).Str("path", s.cachePath).Msg("Failed to persist node cache")
	}
}
