package directory

import (
	"net"
	"sort"
	"sync"
	"time"

	"gamelink/internal/shared/logger"
	"gamelink/internal/shared/types"
)

const (
	DefaultTestTimeout     = 5 * time.Second
	DefaultTestConcurrency = 16
)

// Tester measures TCP connect latency to nodes through a fixed-size worker
// pool.
type Tester struct {
	timeout     time.Duration
	concurrency int
}

func NewTester(timeout time.Duration, concurrency int) *Tester {
	if timeout <= 0 {
		timeout = DefaultTestTimeout
	}
	if concurrency <= 0 {
		concurrency = DefaultTestConcurrency
	}
	return &Tester{timeout: timeout, concurrency: concurrency}
}

// Test annotates every node's latency in place and returns the slice sorted
// ascending, unreachable nodes last. Equal latencies keep their merge order.
func (t *Tester) Test(nodes []types.Node) []types.Node {
	if len(nodes) == 0 {
		return nodes
	}

	logger.Debug().Int("count", len(nodes)).Int("concurrency", t.concurrency).Msg("Testing node reachability")

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, t.concurrency)

	for i := range nodes {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(n *types.Node) {
			defer wg.Done()
			defer func() { <-semaphore }()
			n.Latency = t.measure(n.Addr())
		}(&nodes[i])
	}
	wg.Wait()

	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Latency < nodes[j].Latency
	})
	return nodes
}

// measure returns the connect time in milliseconds, floored at 1 so a
// sub-millisecond dial never reads as untested, or LatencyUnreachable.
func (t *Tester) measure(addr string) int64 {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, t.timeout)
	if err != nil {
		return types.LatencyUnreachable
	}
	conn.Close()

	ms := time.Since(start).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}
