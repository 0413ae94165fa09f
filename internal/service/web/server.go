package web

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"gamelink/internal/shared/logger"
	"gamelink/internal/shared/types"
)

// basicAuthMiddleware enforces HTTP Basic auth when both credentials are
// configured. With either one unset the handler passes through unprotected.
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewMux assembles the API routes. Split out of StartServer so tests can
// drive the mux without binding a port.
func NewMux(cfg types.WebConf, controller ProxyController, hub *Hub) *http.ServeMux {
	handler := NewHandler(controller)
	mux := http.NewServeMux()

	// Public status endpoints.
	mux.HandleFunc("/api/status", handler.HandleStatus)
	mux.HandleFunc("/api/nodes", handler.HandleNodes)
	mux.HandleFunc("/api/games", handler.HandleGames)

	// Mutating endpoints sit behind auth when credentials are configured.
	mux.Handle("/api/nodes/select", basicAuthMiddleware(http.HandlerFunc(handler.HandleSelectNode), cfg.WebUser, cfg.WebPassword))
	mux.Handle("/api/refresh", basicAuthMiddleware(http.HandlerFunc(handler.HandleRefresh), cfg.WebUser, cfg.WebPassword))

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	return mux
}

// StartServer launches the status API when web_port is configured. It
// returns immediately; the HTTP server runs for the life of the process.
func StartServer(wg *sync.WaitGroup, cfg types.WebConf, controller ProxyController, hub *Hub) {
	if cfg.WebPort <= 0 {
		logger.Info().Msg("Status API is disabled (web_port is 0 or not set).")
		return
	}

	mux := NewMux(cfg, controller, hub)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("Failed to start status API")
		return
	}

	logger.Info().Msgf("Status API is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := http.Serve(listener, mux); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Status API server error")
		}
	}()
}
