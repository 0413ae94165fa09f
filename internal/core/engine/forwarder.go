package engine

import (
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"gamelink/internal/shared"
	"gamelink/internal/shared/logger"
)

// handleConnection relays one accepted client connection to the active node.
// The node is snapshotted once at accept time; a failover mid-connection
// never re-routes an established relay.
func (e *Engine) handleConnection(inbound net.Conn) {
	defer inbound.Close()

	if !e.st.Running() {
		return
	}

	node, ok := e.st.ActiveNode()
	if !ok {
		logger.Debug().Str("client_addr", inbound.RemoteAddr().String()).Msg("No active node, dropping connection")
		return
	}

	traceID := uuid.New().String()

	outbound, err := e.dialer.Dial("tcp", node.Addr())
	if err != nil {
		logger.Warn().Err(err).
			Str("trace_id", traceID).
			Str("node", node.Name).
			Str("node_addr", node.Addr()).
			Msg("Upstream dial failed, dropping connection")
		return
	}

	counted := shared.NewCountedConn(outbound, e.st.Uplink(), e.st.Downlink())
	defer counted.Close()

	e.st.AddConn(1)
	defer e.st.AddConn(-1)

	logger.Debug().
		Str("trace_id", traceID).
		Str("client_addr", inbound.RemoteAddr().String()).
		Str("node", node.Name).
		Str("node_addr", node.Addr()).
		Msg("Relaying connection")

	relay(inbound, counted)

	logger.Debug().Str("trace_id", traceID).Msg("Relay finished")
}

// relay pipes both directions until each side closes or errors, propagating
// half-closes so a client FIN drains the node's remaining reply bytes.
func relay(inbound, outbound net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = io.Copy(outbound, inbound)
		closeWrite(outbound)
	}()

	go func() {
		defer wg.Done()
		_, _ = io.Copy(inbound, outbound)
		closeWrite(inbound)
	}()

	wg.Wait()
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
