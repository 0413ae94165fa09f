package engine

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"gamelink/internal/core/classifier"
	"gamelink/internal/core/state"
	"gamelink/internal/shared/logger"
	"gamelink/internal/shared/types"
)

// DefaultDialTimeout bounds upstream TCP dials on the relay path. Health
// probes carry their own, tighter bounds.
const DefaultDialTimeout = 10 * time.Second

const udpBufferSize = 64 * 1024

var errNotRunning = errors.New("engine is not running")

// Engine binds the local TCP+UDP endpoint and relays traffic to the active
// node. It owns the UDP session table; everything else it reads from the
// shared state handed over at construction.
type Engine struct {
	listenAddr string
	st         *state.State
	dialer     proxy.Dialer

	mu       sync.Mutex
	tcp      net.Listener
	udp      *net.UDPConn
	sessions *sessionTable
	loops    sync.WaitGroup

	bufPool sync.Pool
}

// New creates an engine listening on listenAddr (host:port; port 0 picks a
// free port, reused for UDP). A nil dialer falls back to a bounded net.Dialer.
func New(listenAddr string, st *state.State, dialer proxy.Dialer) *Engine {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: DefaultDialTimeout}
	}
	return &Engine{
		listenAddr: listenAddr,
		st:         st,
		dialer:     dialer,
		bufPool: sync.Pool{
			New: func() interface{} { return make([]byte, udpBufferSize) },
		},
	}
}

// Start binds the TCP listener and the UDP socket on the same port, flips
// the shared running flag, and launches the accept and receive loops.
// Returns types.ErrAlreadyRunning while running (nothing mutated) and a
// wrapped bind error if either bind fails; a half-successful bind is unwound
// so a failed Start leaves nothing bound.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.st.Running() {
		return types.ErrAlreadyRunning
	}

	tcp, err := net.Listen("tcp", e.listenAddr)
	if err != nil {
		return fmt.Errorf("bind tcp %s: %w", e.listenAddr, err)
	}
	tcpAddr := tcp.Addr().(*net.TCPAddr)

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: tcpAddr.IP, Port: tcpAddr.Port})
	if err != nil {
		tcp.Close()
		return fmt.Errorf("bind udp %s: %w", tcpAddr.String(), err)
	}

	e.tcp = tcp
	e.udp = udp
	e.sessions = newSessionTable(udp, e.st)
	e.st.SetRunning(true)

	logger.Info().Str("listen_addr", tcp.Addr().String()).Msg("Engine is listening for TCP.")
	logger.Info().Str("listen_addr", udp.LocalAddr().String()).Msg("Engine is listening for UDP.")

	e.loops.Add(2)
	go e.acceptTCPLoop(tcp)
	go e.readUDPLoop(udp, e.sessions)

	return nil
}

// Stop flips the running flag, releases both sockets and tears down the UDP
// sessions, then waits for the two engine loops to exit. In-flight TCP
// relays are left to finish on their own. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.st.Running() {
		e.mu.Unlock()
		return
	}
	e.st.SetRunning(false)
	tcp, udp, sessions := e.tcp, e.udp, e.sessions
	e.tcp, e.udp = nil, nil
	e.mu.Unlock()

	tcp.Close()
	udp.Close()
	sessions.closeAll()
	e.loops.Wait()
	logger.Info().Msg("Engine has been shut down.")
}

// TCPAddr returns the bound TCP address, or nil when stopped.
func (e *Engine) TCPAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tcp == nil {
		return nil
	}
	return e.tcp.Addr()
}

// UDPAddr returns the bound UDP address, or nil when stopped.
func (e *Engine) UDPAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.udp == nil {
		return nil
	}
	return e.udp.LocalAddr()
}

// SessionCount reports the number of live UDP sessions.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	t := e.sessions
	e.mu.Unlock()
	if t == nil {
		return 0
	}
	return t.count()
}

func (e *Engine) acceptTCPLoop(ln net.Listener) {
	defer e.loops.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosedConn(err) {
				logger.Info().Msg("Engine TCP listener is closing.")
				return
			}
			logger.Warn().Err(err).Msg("Engine failed to accept connection")
			continue
		}
		go e.handleConnection(conn)
	}
}

func (e *Engine) readUDPLoop(conn *net.UDPConn, sessions *sessionTable) {
	defer e.loops.Done()
	for {
		buf := e.bufPool.Get().([]byte)
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			e.bufPool.Put(buf)
			if isClosedConn(err) {
				logger.Info().Msg("Engine UDP listener is closing.")
				return
			}
			logger.Warn().Err(err).Msg("Engine failed to read from UDP listener")
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		e.bufPool.Put(buf)

		go e.handleDatagram(sessions, payload, clientAddr)
	}
}

// handleDatagram classifies one datagram (advisory, logging only), then
// forwards it through the sender's session, creating the session lazily.
func (e *Engine) handleDatagram(sessions *sessionTable, payload []byte, clientAddr *net.UDPAddr) {
	if rule, ok := classifier.Classify(clientAddr.Port, payload); ok {
		logger.Debug().
			Str("app", rule.App).
			Str("client_addr", clientAddr.String()).
			Msg("Classified datagram")
	}

	node, ok := e.st.ActiveNode()
	if !ok {
		logger.Debug().Str("client_addr", clientAddr.String()).Msg("No active node, dropping datagram")
		return
	}

	sess, err := sessions.getOrCreate(clientAddr, node.Addr())
	if err != nil {
		if errors.Is(err, errNotRunning) {
			logger.Debug().Str("client_addr", clientAddr.String()).Msg("Engine stopping, dropping datagram")
			return
		}
		logger.Warn().Err(err).Str("node", node.Name).Msg("Failed to open UDP session")
		return
	}

	if _, err := sess.upstream.Write(payload); err != nil {
		logger.Warn().Err(err).
			Str("client_addr", clientAddr.String()).
			Str("node", node.Name).
			Msg("Failed to forward datagram upstream")
		return
	}
	e.st.Uplink().Add(uint64(len(payload)))
}

func isClosedConn(err error) bool {
	opErr, ok := err.(*net.OpError)
	return ok && strings.Contains(opErr.Err.Error(), "use of closed network connection")
}
