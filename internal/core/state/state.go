package state

import (
	"sync"
	"sync/atomic"

	"gamelink/internal/shared/types"
)

// State is the proxy's shared runtime state: the active node, the failover
// pool, per-node consecutive failure counts, the running flag, and traffic
// counters. One instance is built by the composition root and handed to
// every component at construction; there is no package-level instance.
//
// All methods are safe for concurrent use. Accessors return copies, so no
// caller ever holds a reference into guarded data across blocking I/O.
// Critical sections are map and slice operations only.
type State struct {
	mu            sync.RWMutex
	activeNode    *types.Node
	backupPool    []types.Node
	failureCounts map[string]int
	running       bool

	uplink      atomic.Uint64
	downlink    atomic.Uint64
	activeConns atomic.Int64
}

func New() *State {
	return &State{
		failureCounts: make(map[string]int),
	}
}

// ActiveNode returns a copy of the active node. ok is false when no relay is
// configured, in which case all traffic is dropped.
func (s *State) ActiveNode() (types.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeNode == nil {
		return types.Node{}, false
	}
	return *s.activeNode, true
}

// SetActiveNode replaces the active node by explicit reconfiguration. The
// node's namesake leaves the backup pool and its failure count starts fresh.
func (s *State) SetActiveNode(n types.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := n
	s.activeNode = &node
	s.backupPool = removeByName(s.backupPool, n.Name)
	s.failureCounts[n.Name] = 0
}

// Promote is the failover transition: the given backup becomes active, its
// pool entry is removed by name and its failure count zeroed, all in one
// critical section.
func (s *State) Promote(n types.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := n
	s.activeNode = &node
	s.backupPool = removeByName(s.backupPool, n.Name)
	s.failureCounts[n.Name] = 0
}

// BackupPool returns a copy of the pool in its stored order.
func (s *State) BackupPool() []types.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Node, len(s.backupPool))
	copy(out, s.backupPool)
	return out
}

// SetBackupPool replaces the pool wholesale, preserving the caller's order.
// A node sharing the active node's name is dropped: the pool never contains
// the active node.
func (s *State) SetBackupPool(nodes []types.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := make([]types.Node, 0, len(nodes))
	for _, n := range nodes {
		if s.activeNode != nil && n.Name == s.activeNode.Name {
			continue
		}
		pool = append(pool, n)
	}
	s.backupPool = pool
}

// IncrementFailure bumps a node's consecutive failure count and returns the
// new value.
func (s *State) IncrementFailure(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCounts[name]++
	return s.failureCounts[name]
}

// ResetFailures zeroes a node's consecutive failure count.
func (s *State) ResetFailures(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCounts[name] = 0
}

func (s *State) FailureCount(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failureCounts[name]
}

// FailureCounts returns a copy of the counter map.
func (s *State) FailureCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.failureCounts))
	for k, v := range s.failureCounts {
		out[k] = v
	}
	return out
}

// SetRunning flips the externally visible running flag. The flag gates new
// inbound work; loop teardown is driven separately by closing the sockets.
func (s *State) SetRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = v
}

func (s *State) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uplink exposes the client-to-node byte counter for conn wrappers.
func (s *State) Uplink() *atomic.Uint64 { return &s.uplink }

// Downlink exposes the node-to-client byte counter for conn wrappers.
func (s *State) Downlink() *atomic.Uint64 { return &s.downlink }

// AddConn adjusts the live TCP relay gauge.
func (s *State) AddConn(delta int64) { s.activeConns.Add(delta) }

func (s *State) ActiveConns() int64 { return s.activeConns.Load() }

// TrafficTotals returns the relayed byte totals since start.
func (s *State) TrafficTotals() (uplink, downlink uint64) {
	return s.uplink.Load(), s.downlink.Load()
}

func removeByName(pool []types.Node, name string) []types.Node {
	out := make([]types.Node, 0, len(pool))
	for _, n := range pool {
		if n.Name != name {
			out = append(out, n)
		}
	}
	return out
}
