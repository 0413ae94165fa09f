package types

import (
	"errors"
	"math"
	"net"
	"strconv"
)

// LatencyUnreachable marks a node whose last reachability test failed.
// A latency of 0 means the node has not been tested yet.
const LatencyUnreachable int64 = math.MaxInt32

// Node is a candidate relay endpoint. Protocol and the credential fields are
// opaque to the proxy: they are carried from the subscription document to the
// status surfaces and never interpreted.
type Node struct {
	Name     string `json:"name" yaml:"name"`
	Server   string `json:"server" yaml:"server"`
	Port     int    `json:"port" yaml:"port"`
	Protocol string `json:"protocol" yaml:"type"`
	Password string `json:"password,omitempty" yaml:"password"`
	Cipher   string `json:"cipher,omitempty" yaml:"cipher"`

	// Latency is the measured TCP connect time in milliseconds, set by the
	// directory's reachability test. Immutable for a given test pass.
	Latency int64 `json:"latency_ms" yaml:"-"`
}

// Addr returns the node's dialable host:port form.
func (n *Node) Addr() string {
	return net.JoinHostPort(n.Server, strconv.Itoa(n.Port))
}

// Reachable reports whether the last test pass managed to connect.
func (n *Node) Reachable() bool {
	return n.Latency > 0 && n.Latency < LatencyUnreachable
}

// StatusSnapshot is a point-in-time copy of the server's observable state,
// safe to serialize without touching live structures.
type StatusSnapshot struct {
	Running       bool           `json:"running"`
	ActiveNode    *Node          `json:"active_node,omitempty"`
	BackupPool    []Node         `json:"backup_pool"`
	FailureCounts map[string]int `json:"failure_counts"`
	UDPSessions   int            `json:"udp_sessions"`
	ActiveConns   int64          `json:"active_connections"`
	UplinkBytes   uint64         `json:"uplink_bytes"`
	DownlinkBytes uint64         `json:"downlink_bytes"`
}

var (
	// ErrAlreadyRunning is returned by Start when the proxy is already up.
	// The call mutates nothing.
	ErrAlreadyRunning = errors.New("proxy already running")

	// ErrNoBackupAvailable is reported when a failover pass finds no
	// reachable backup. The active node is retained.
	ErrNoBackupAvailable = errors.New("no reachable backup node")

	// ErrNoSuchNode is returned when a selection names a node that is
	// neither active nor in the backup pool.
	ErrNoSuchNode = errors.New("no such node")
)
