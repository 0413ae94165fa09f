package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"gamelink/internal/core/state"
	"gamelink/internal/shared/types"
)

// --- Helpers ---

func startTCPEcho(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start TCP echo server: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func startUDPEcho(t *testing.T) (addr string, stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to start UDP echo server: %v", err)
	}
	go func() {
		buf := make([]byte, udpBufferSize)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], raddr)
		}
	}()
	return conn.LocalAddr().String(), func() { conn.Close() }
}

func nodeFromAddr(t *testing.T, name, addr string) types.Node {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("Bad test address %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Bad test port %q: %v", portStr, err)
	}
	return types.Node{Name: name, Server: host, Port: port}
}

func startTestEngine(t *testing.T, st *state.State) *Engine {
	t.Helper()
	e := New("127.0.0.1:0", st, nil)
	if err := e.Start(); err != nil {
		t.Fatalf("Engine failed to start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// udpExchange sends payload to the engine's UDP endpoint from a fresh client
// socket and returns the first reply.
func udpExchange(t *testing.T, e *Engine, payload []byte) ([]byte, *net.UDPConn) {
	t.Helper()
	raddr, err := net.ResolveUDPAddr("udp", e.UDPAddr().String())
	if err != nil {
		t.Fatalf("Failed to resolve engine UDP addr: %v", err)
	}
	client, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("Failed to dial engine UDP endpoint: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if _, err := client.Write(payload); err != nil {
		t.Fatalf("Failed to send datagram: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, udpBufferSize)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}
	return buf[:n], client
}

// --- Lifecycle ---

func TestStartWhileRunningFails(t *testing.T) {
	st := state.New()
	e := startTestEngine(t, st)

	err := e.Start()
	if !errors.Is(err, types.ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning on second Start, got %v", err)
	}
	if !st.Running() {
		t.Error("Expected the failed double start to leave the engine running")
	}
}

func TestStartTCPBindFailure(t *testing.T) {
	// Occupy a TCP port so the engine's TCP bind fails outright.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to occupy port: %v", err)
	}
	defer ln.Close()

	st := state.New()
	e := New(ln.Addr().String(), st, nil)
	if err := e.Start(); err == nil {
		e.Stop()
		t.Fatal("Expected Start to fail on an occupied TCP port")
	}
	if st.Running() {
		t.Error("Expected a failed Start to leave running false")
	}
}

func TestStartUDPBindFailureUnwindsTCP(t *testing.T) {
	// 1. Occupy only the UDP half of a port.
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to occupy UDP port: %v", err)
	}
	defer udpConn.Close()
	port := udpConn.LocalAddr().(*net.UDPAddr).Port
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	// 2. The TCP bind succeeds, the UDP bind fails, and Start must unwind.
	st := state.New()
	e := New(addr, st, nil)
	if err := e.Start(); err == nil {
		e.Stop()
		t.Fatal("Expected Start to fail on an occupied UDP port")
	}
	if st.Running() {
		t.Error("Expected a failed Start to leave running false")
	}

	// 3. The TCP port must have been released by the unwind.
	probe, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("Expected the TCP port to be released after the failed Start: %v", err)
	}
	probe.Close()
}

func TestStopThenRestart(t *testing.T) {
	echoAddr, stopEcho := startTCPEcho(t)
	defer stopEcho()

	st := state.New()
	st.SetActiveNode(nodeFromAddr(t, "echo", echoAddr))

	e := New("127.0.0.1:0", st, nil)
	if err := e.Start(); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}
	e.Stop()
	if st.Running() {
		t.Fatal("Expected running false after Stop")
	}

	if err := e.Start(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	defer e.Stop()

	// The restarted engine must relay again.
	conn, err := net.Dial("tcp", e.TCPAddr().String())
	if err != nil {
		t.Fatalf("Failed to dial restarted engine: %v", err)
	}
	defer conn.Close()
	payload := []byte("after restart")
	conn.Write(payload)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("Failed to read echo through restarted engine: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Expected %q, got %q", payload, got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	st := state.New()
	e := startTestEngine(t, st)
	e.Stop()
	e.Stop() // must not panic or block
}

// --- TCP path ---

func TestTCPRelayIsVerbatim(t *testing.T) {
	echoAddr, stopEcho := startTCPEcho(t)
	defer stopEcho()

	st := state.New()
	st.SetActiveNode(nodeFromAddr(t, "echo", echoAddr))
	e := startTestEngine(t, st)

	conn, err := net.Dial("tcp", e.TCPAddr().String())
	if err != nil {
		t.Fatalf("Failed to dial engine: %v", err)
	}
	defer conn.Close()

	payload := []byte("payload with arbitrary bytes \x00\x01\xff")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("Failed to read echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Expected relay to be verbatim: sent %q, got %q", payload, got)
	}

	// Byte counters must have seen the payload in both directions.
	waitFor(t, 2*time.Second, func() bool {
		up, down := st.TrafficTotals()
		return up >= uint64(len(payload)) && down >= uint64(len(payload))
	}, "Expected traffic counters to account the relayed bytes")
}

func TestTCPConnGaugeReturnsToZero(t *testing.T) {
	echoAddr, stopEcho := startTCPEcho(t)
	defer stopEcho()

	st := state.New()
	st.SetActiveNode(nodeFromAddr(t, "echo", echoAddr))
	e := startTestEngine(t, st)

	conn, err := net.Dial("tcp", e.TCPAddr().String())
	if err != nil {
		t.Fatalf("Failed to dial engine: %v", err)
	}
	conn.Write([]byte("x"))

	waitFor(t, 2*time.Second, func() bool { return st.ActiveConns() == 1 },
		"Expected the connection gauge to reach 1")

	conn.Close()
	waitFor(t, 2*time.Second, func() bool { return st.ActiveConns() == 0 },
		"Expected the connection gauge to return to 0 after close")
}

func TestTCPWithoutActiveNodeClosesConnection(t *testing.T) {
	st := state.New()
	e := startTestEngine(t, st)

	conn, err := net.Dial("tcp", e.TCPAddr().String())
	if err != nil {
		t.Fatalf("Failed to dial engine: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Expected EOF with no active node, got %v", err)
	}
}

func TestTCPUpstreamDialFailureClosesConnection(t *testing.T) {
	// A listener that is closed right away leaves a port nothing answers on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	st := state.New()
	st.SetActiveNode(nodeFromAddr(t, "dead", deadAddr))
	e := startTestEngine(t, st)

	conn, err := net.Dial("tcp", e.TCPAddr().String())
	if err != nil {
		t.Fatalf("Failed to dial engine: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Expected EOF after failed upstream dial, got %v", err)
	}
}

// --- UDP path ---

func TestUDPPingPong(t *testing.T) {
	echoAddr, stopEcho := startUDPEcho(t)
	defer stopEcho()

	st := state.New()
	st.SetActiveNode(nodeFromAddr(t, "echo", echoAddr))
	e := startTestEngine(t, st)

	reply, _ := udpExchange(t, e, []byte("ping"))
	if string(reply) != "ping" {
		t.Errorf("Expected reply 'ping', got %q", reply)
	}
	if got := e.SessionCount(); got != 1 {
		t.Errorf("Expected 1 UDP session, got %d", got)
	}
}

func TestUDPSessionsAreIndependentPerClient(t *testing.T) {
	echoAddr, stopEcho := startUDPEcho(t)
	defer stopEcho()

	st := state.New()
	st.SetActiveNode(nodeFromAddr(t, "echo", echoAddr))
	e := startTestEngine(t, st)

	replyA, _ := udpExchange(t, e, []byte("from-a"))
	replyB, _ := udpExchange(t, e, []byte("from-b"))

	if string(replyA) != "from-a" {
		t.Errorf("Expected client A to get its own reply, got %q", replyA)
	}
	if string(replyB) != "from-b" {
		t.Errorf("Expected client B to get its own reply, got %q", replyB)
	}
	if got := e.SessionCount(); got != 2 {
		t.Errorf("Expected 2 UDP sessions, got %d", got)
	}
}

func TestUDPDeadSessionIsRecreated(t *testing.T) {
	echoAddr, stopEcho := startUDPEcho(t)
	defer stopEcho()

	st := state.New()
	st.SetActiveNode(nodeFromAddr(t, "echo", echoAddr))
	e := startTestEngine(t, st)

	// 1. Establish a session.
	reply, client := udpExchange(t, e, []byte("one"))
	if string(reply) != "one" {
		t.Fatalf("Expected reply 'one', got %q", reply)
	}

	// 2. Kill the session's upstream socket; the reverse relay must remove
	// its own entry.
	e.mu.Lock()
	table := e.sessions
	e.mu.Unlock()
	table.mu.RLock()
	for _, sess := range table.sessions {
		sess.upstream.Close()
	}
	table.mu.RUnlock()

	waitFor(t, 2*time.Second, func() bool { return e.SessionCount() == 0 },
		"Expected the dead session to be evicted")

	// 3. The next datagram from the same client starts a fresh session.
	if _, err := client.Write([]byte("two")); err != nil {
		t.Fatalf("Failed to send second datagram: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Failed to read reply on recreated session: %v", err)
	}
	if string(buf[:n]) != "two" {
		t.Errorf("Expected reply 'two', got %q", buf[:n])
	}
	if got := e.SessionCount(); got != 1 {
		t.Errorf("Expected 1 recreated session, got %d", got)
	}
}

func TestUDPClassifiableTrafficRelaysVerbatim(t *testing.T) {
	echoAddr, stopEcho := startUDPEcho(t)
	defer stopEcho()

	st := state.New()
	st.SetActiveNode(nodeFromAddr(t, "echo", echoAddr))
	e := startTestEngine(t, st)

	// A Klei-style payload classifies, but classification is advisory: the
	// datagram must come back byte-identical.
	payload := []byte("KU_AbCd1234 join request")
	reply, _ := udpExchange(t, e, payload)
	if !bytes.Equal(reply, payload) {
		t.Errorf("Expected classifiable payload to relay verbatim: sent %q, got %q", payload, reply)
	}
}

func TestUDPWithoutActiveNodeDropsDatagram(t *testing.T) {
	st := state.New()
	e := startTestEngine(t, st)

	raddr, _ := net.ResolveUDPAddr("udp", e.UDPAddr().String())
	client, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("Failed to dial engine UDP endpoint: %v", err)
	}
	defer client.Close()

	client.Write([]byte("dropped"))
	client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := client.Read(make([]byte, 16)); err == nil {
		t.Error("Expected no reply with no active node")
	}
	if got := e.SessionCount(); got != 0 {
		t.Errorf("Expected no sessions, got %d", got)
	}
}

func TestStopTearsDownUDPSessions(t *testing.T) {
	echoAddr, stopEcho := startUDPEcho(t)
	defer stopEcho()

	st := state.New()
	st.SetActiveNode(nodeFromAddr(t, "echo", echoAddr))
	e := startTestEngine(t, st)

	reply, _ := udpExchange(t, e, []byte("ping"))
	if string(reply) != "ping" {
		t.Fatalf("Expected reply 'ping', got %q", reply)
	}

	e.Stop()

	waitFor(t, 2*time.Second, func() bool { return e.SessionCount() == 0 },
		"Expected Stop to tear down all UDP sessions")
}
