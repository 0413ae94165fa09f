package engine

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"gamelink/internal/core/state"
	"gamelink/internal/shared/logger"
)

// session is one client's UDP pseudo-connection to the active node.
type session struct {
	id         string
	clientAddr *net.UDPAddr
	upstream   *net.UDPConn
}

// sessionTable tracks the live UDP sessions of one engine run, keyed by
// client address. Entries are created lazily on the first datagram from a
// client; each session's reverse relay is the sole remover of its entry.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*session

	server *net.UDPConn
	st     *state.State
}

func newSessionTable(server *net.UDPConn, st *state.State) *sessionTable {
	return &sessionTable{
		sessions: make(map[string]*session),
		server:   server,
		st:       st,
	}
}

// getOrCreate returns the sender's session, dialing the node and spawning
// the reverse relay on first use. Name resolution happens before the write
// lock so a slow DNS answer never stalls the whole table.
func (t *sessionTable) getOrCreate(clientAddr *net.UDPAddr, nodeAddr string) (*session, error) {
	key := clientAddr.String()

	t.mu.RLock()
	sess, ok := t.sessions[key]
	t.mu.RUnlock()
	if ok {
		return sess, nil
	}

	if !t.st.Running() {
		return nil, errNotRunning
	}

	upstreamAddr, err := net.ResolveUDPAddr("udp", nodeAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve node addr %s: %w", nodeAddr, err)
	}

	t.mu.Lock()
	if existing, ok := t.sessions[key]; ok {
		t.mu.Unlock()
		return existing, nil
	}
	upstream, err := net.DialUDP("udp", nil, upstreamAddr)
	if err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("dial udp %s: %w", nodeAddr, err)
	}
	sess = &session{
		id:         uuid.New().String(),
		clientAddr: clientAddr,
		upstream:   upstream,
	}
	t.sessions[key] = sess
	t.mu.Unlock()

	go t.reverseRelay(sess)

	logger.Debug().
		Str("session_id", sess.id).
		Str("client_addr", key).
		Str("node_addr", nodeAddr).
		Msg("UDP session created")
	return sess, nil
}

// reverseRelay reads node replies and hands them back to the session's
// client through the shared server socket. Any upstream read error tears the
// entry down; the client's next datagram starts a fresh session.
func (t *sessionTable) reverseRelay(sess *session) {
	buf := make([]byte, udpBufferSize)
	for {
		n, err := sess.upstream.Read(buf)
		if err != nil {
			t.remove(sess)
			logger.Debug().
				Str("session_id", sess.id).
				Str("client_addr", sess.clientAddr.String()).
				Msg("UDP session closed")
			return
		}
		if _, err := t.server.WriteToUDP(buf[:n], sess.clientAddr); err != nil {
			logger.Warn().Err(err).
				Str("session_id", sess.id).
				Str("client_addr", sess.clientAddr.String()).
				Msg("Failed to write reply to client")
			continue
		}
		t.st.Downlink().Add(uint64(n))
	}
}

// remove deletes the entry only if it still maps to this session, so a relay
// that lost a race with recreation never evicts its successor.
func (t *sessionTable) remove(sess *session) {
	key := sess.clientAddr.String()
	t.mu.Lock()
	if current, ok := t.sessions[key]; ok && current == sess {
		delete(t.sessions, key)
	}
	t.mu.Unlock()
	sess.upstream.Close()
}

func (t *sessionTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// closeAll closes every session's upstream socket. Each reverse relay then
// exits through its read error and removes its own entry.
func (t *sessionTable) closeAll() {
	t.mu.RLock()
	conns := make([]*net.UDPConn, 0, len(t.sessions))
	for _, s := range t.sessions {
		conns = append(conns, s.upstream)
	}
	t.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
