// Package directory turns remote node subscriptions into a tested,
// latency-sorted pool the health monitor can draw from.
package directory

import (
	"errors"
	"fmt"

	"gamelink/internal/shared/logger"
	"gamelink/internal/shared/types"
)

// Source delivers raw nodes from one upstream listing.
type Source interface {
	Name() string
	Fetch() ([]types.Node, error)
}

// Manager fans out to every configured source and funnels the results
// through the tester. It satisfies the health monitor's Directory interface.
type Manager struct {
	sources []Source
	tester  *Tester
}

func NewManager(tester *Tester, sources ...Source) *Manager {
	return &Manager{sources: sources, tester: tester}
}

// AddSource registers another listing. Not safe to call after the manager
// is handed to the monitor.
func (m *Manager) AddSource(s Source) {
	m.sources = append(m.sources, s)
}

// FetchAndParse queries every source and merges the results, deduplicating
// by node name with the first occurrence winning. A failing source is logged
// and skipped; an error is returned only when no source yields any node.
func (m *Manager) FetchAndParse() ([]types.Node, error) {
	if len(m.sources) == 0 {
		return nil, errors.New("fetch: no sources configured")
	}

	merged := make([]types.Node, 0)
	seen := make(map[string]struct{})
	var lastErr error

	for _, src := range m.sources {
		nodes, err := src.Fetch()
		if err != nil {
			logger.Warn().Err(err).Str("source", src.Name()).Msg("Source failed")
			lastErr = err
			continue
		}
		for _, n := range nodes {
			if _, dup := seen[n.Name]; dup {
				continue
			}
			seen[n.Name] = struct{}{}
			merged = append(merged, n)
		}
	}

	if len(merged) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("fetch: every source failed: %w", lastErr)
		}
		return nil, errors.New("parse: no nodes in any source")
	}

	logger.Debug().Int("count", len(merged)).Int("sources", len(m.sources)).Msg("Sources merged")
	return merged, nil
}

// TestReachability annotates latency in place and sorts ascending.
func (m *Manager) TestReachability(nodes []types.Node) []types.Node {
	return m.tester.Test(nodes)
}
