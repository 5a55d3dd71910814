// Package uigateway implements the "ui" collaborator: the thin
// bus-facing edge of the shell spec.md describes as "interfaces
// only". It is a WebSocket server (github.com/gorilla/websocket,
// already a teacher dependency but unused in internal/api) that
// relays ServiceMessage frames between connected clients and the bus
// — one goroutine drains the inbox and fans SystemResponse and
// UserProfileResponse messages out as JSON frames, and each client
// connection's reads are decoded as UserInput and routed to "core".
//
// Grounded on the teacher's internal/api/server.go for the
// http.Server lifecycle (Start/Shutdown over a context, ReadTimeout /
// WriteTimeout set on the server, logging middleware).
package uigateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aimanager/internal/bus"
	"aimanager/internal/messages"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The shell and the gateway are both deployed as part of the same
	// application; no browser-based cross-origin client is expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway is the "ui" collaborator.
type Gateway struct {
	bus        *bus.Bus
	listenAddr string
	log        *slog.Logger
	server     *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New creates a Gateway that will listen on listenAddr once Run starts.
func New(b *bus.Bus, listenAddr string, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		bus:        b,
		listenAddr: listenAddr,
		log:        log.With("service", "ui"),
		clients:    make(map[*websocket.Conn]struct{}),
	}
}

// Run is the ui collaborator's ServiceFunc: it starts the HTTP/WebSocket
// listener, fans inbox messages out to every connected client, and
// shuts the listener down when ctx is cancelled.
func (g *Gateway) Run(ctx context.Context, inbox <-chan messages.ServiceMessage, self chan<- messages.ServiceMessage) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWebSocket)

	g.server = &http.Server{
		Addr:         g.listenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		g.log.Info("starting ui gateway", "addr", g.listenAddr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = g.server.Shutdown(shutdownCtx)
			return nil
		case err := <-serveErr:
			return err
		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			if msg.Kind == messages.KindServiceHealthCheck {
				g.handleHealthCheck(ctx, *msg.ServiceHealthCheck)
				continue
			}
			g.broadcast(msg)
		}
	}
}

func (g *Gateway) handleHealthCheck(ctx context.Context, check messages.ServiceHealthCheck) {
	resp := messages.ServiceMessage{
		Kind: messages.KindServiceHealthResponse,
		ServiceHealthResponse: &messages.ServiceHealthResponse{
			ServiceID: check.ServiceID,
			Status:    messages.Healthy(),
		},
	}
	if err := g.bus.RouteMessage(ctx, resp, nil); err != nil {
		g.log.Error("failed to route health response", "error", err)
	}
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	g.mu.Lock()
	g.clients[conn] = struct{}{}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.clients, conn)
		g.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var input messages.UserInput
		if err := json.Unmarshal(raw, &input); err != nil {
			g.log.Warn("failed to decode user input frame", "error", err)
			continue
		}

		msg := messages.ServiceMessage{Kind: messages.KindUserInput, UserInput: &input}
		if err := g.bus.RouteMessage(r.Context(), msg, nil); err != nil {
			g.log.Error("failed to route user input", "error", err)
		}
	}
}

// broadcast writes msg as a JSON frame to every connected client,
// dropping clients whose write fails (their read loop will notice the
// closed connection and unregister them).
func (g *Gateway) broadcast(msg messages.ServiceMessage) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		g.log.Error("failed to encode outbound frame", "error", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for conn := range g.clients {
		if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
			g.log.Debug("dropping ui client after write failure", "error", err)
			go conn.Close()
			delete(g.clients, conn)
		}
	}
}

// ClientCount reports the number of currently connected clients.
// Exposed for tests and for /health-style introspection.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}
