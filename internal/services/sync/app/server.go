// Package server hosts the collaboration authority: the WebSocket boundary
// that admits clients into document rooms, serializes their edits through
// the per-room merge path, and fans the results back out.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vellumcanvas/vellum/internal/platform/timeouts"
	"github.com/vellumcanvas/vellum/internal/services/sync/grant"
	"github.com/vellumcanvas/vellum/internal/wire"
	"golang.org/x/net/websocket"
	"golang.org/x/text/unicode/norm"
)

const (
	maxFramePayloadBytes   = 32 * 1024
	maxFramesPerSecond     = 120
	maxDecodeErrorsPerConn = 3
	maxDisplayNameRunes    = 64
)

// Config defines the inputs for the sync transport boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Grant enables the join-grant gate when non-nil; without it every
	// document is open to anyone who knows its id.
	Grant *grant.Config
}

// Server hosts the sync HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	registry        *Registry
}

// joinParams carries the validated upgrade parameters from the HTTP gate to
// the connection handler.
type joinParams struct {
	documentID string
	name       string
}

type wsJoinContextKey struct{}

// NewHandler creates sync routes with open documents, for tests and local
// use. The join-grant gate is intentionally disabled in this constructor.
func NewHandler() http.Handler {
	return newHandler(NewRegistry(), nil)
}

// NewHandlerWithGrants creates sync routes that demand a valid join grant
// before the websocket upgrade.
func NewHandlerWithGrants(registry *Registry, grants *grant.Config) http.Handler {
	return newHandler(registry, grants)
}

func newHandler(registry *Registry, grants *grant.Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, registry)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		query := r.URL.Query()
		documentID := strings.TrimSpace(query.Get("document"))
		if documentID == "" {
			http.Error(w, "document is required", http.StatusBadRequest)
			return
		}
		name := cleanDisplayName(query.Get("name"))

		if grants != nil {
			token := strings.TrimSpace(query.Get("grant"))
			if token == "" {
				log.Printf("sync: websocket unauthorized: missing grant for document=%q remote=%s", documentID, r.RemoteAddr)
				http.Error(w, "join grant required", http.StatusUnauthorized)
				return
			}
			claims, err := grant.Validate(token, documentID, grants)
			if err != nil {
				log.Printf("sync: websocket forbidden: grant rejected for document=%q remote=%s err=%v", documentID, r.RemoteAddr, err)
				http.Error(w, "join grant rejected", http.StatusForbidden)
				return
			}
			if claims.Name != "" {
				name = cleanDisplayName(claims.Name)
			}
		}

		ctx := context.WithValue(r.Context(), wsJoinContextKey{}, joinParams{
			documentID: documentID,
			name:       name,
		})
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	return mux
}

// cleanDisplayName normalizes an untrusted display name: NFC form, trimmed,
// and capped. Presence names arrive from query strings and grant claims.
func cleanDisplayName(name string) string {
	name = strings.TrimSpace(norm.NFC.String(name))
	if utf8.RuneCountInString(name) <= maxDisplayNameRunes {
		return name
	}
	runes := []rune(name)
	return strings.TrimSpace(string(runes[:maxDisplayNameRunes]))
}

func handleWSConn(conn *websocket.Conn, registry *Registry) {
	defer func() {
		_ = conn.Close()
	}()

	var params joinParams
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsJoinContextKey{}).(joinParams); ok {
			params = resolved
		}
	}
	if params.documentID == "" {
		// Upgrade bypassed the gate; nothing to join.
		return
	}

	sess := newSession(conn)
	room, peers := registry.join(params.documentID, sess, params.name)
	log.Printf("sync: join document=%q client=%d name=%q peers=%d", room.documentID, sess.clientID, sess.name, len(peers))

	joined := wire.Frame{Type: wire.TypeUserJoined, Payload: wire.MustPayload(wire.UserJoined{
		ClientID: sess.clientID,
		Name:     sess.name,
		Color:    sess.color,
	})}
	for _, peer := range peers {
		if err := peer.writeFrame(joined); err != nil {
			log.Printf("sync: write user_joined to client=%d document=%q: %v", peer.clientID, room.documentID, err)
		}
	}

	defer func() {
		remaining, empty := room.leave(sess)
		log.Printf("sync: leave document=%q client=%d", room.documentID, sess.clientID)
		if empty {
			registry.drop(room)
			return
		}
		left := wire.Frame{Type: wire.TypeUserLeft, Payload: wire.MustPayload(wire.UserLeft{ClientID: sess.clientID})}
		for _, peer := range remaining {
			if err := peer.writeFrame(left); err != nil {
				log.Printf("sync: write user_left to client=%d document=%q: %v", peer.clientID, room.documentID, err)
			}
		}
	}()

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wire.Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			decodeErrors++
			log.Printf("sync: decode frame document=%q client=%d: %v", room.documentID, sess.clientID, err)
			_ = writeError(sess, wire.CodeInvalidArgument, "invalid frame")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeError(sess, wire.CodeInvalidArgument, "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeError(sess, wire.CodeResourceExhausted, "rate limit exceeded")
			return
		}

		switch frame.Type {
		case wire.TypeCursorMove:
			handleCursorMove(sess, frame)
		case wire.TypeSelectionChange:
			handleSelectionChange(sess, frame)
		case wire.TypePropertyChange:
			handlePropertyChange(sess, frame)
		case wire.TypeCreateObject:
			handleCreateObject(sess, frame)
		case wire.TypeDeleteObject:
			handleDeleteObject(sess, frame)
		case wire.TypeMoveObject:
			handleMoveObject(sess, frame)
		case wire.TypePing:
			_ = sess.writeFrame(wire.Frame{Type: wire.TypePong})
		default:
			// Unknown kinds are tolerated so older servers and newer
			// clients can coexist; the session stays open.
			log.Printf("sync: ignoring unknown frame type %q document=%q client=%d", frame.Type, room.documentID, sess.clientID)
		}
	}
}

func handleCursorMove(sess *session, frame wire.Frame) {
	var op wire.CursorMove
	if err := json.Unmarshal(frame.Payload, &op); err != nil {
		discardPayload(sess, frame.Type, err)
		return
	}
	sess.room.cursorMove(sess, op)
}

func handleSelectionChange(sess *session, frame wire.Frame) {
	var op wire.SelectionChange
	if err := json.Unmarshal(frame.Payload, &op); err != nil {
		discardPayload(sess, frame.Type, err)
		return
	}
	sess.room.selectionChange(sess, op)
}

func handlePropertyChange(sess *session, frame wire.Frame) {
	var op wire.PropertyChange
	if err := json.Unmarshal(frame.Payload, &op); err != nil {
		discardPayload(sess, frame.Type, err)
		return
	}
	sess.room.propertyChange(sess, op)
}

func handleCreateObject(sess *session, frame wire.Frame) {
	var op wire.CreateObject
	if err := json.Unmarshal(frame.Payload, &op); err != nil {
		discardPayload(sess, frame.Type, err)
		return
	}
	sess.room.createObject(sess, op)
}

func handleDeleteObject(sess *session, frame wire.Frame) {
	var op wire.DeleteObject
	if err := json.Unmarshal(frame.Payload, &op); err != nil {
		discardPayload(sess, frame.Type, err)
		return
	}
	sess.room.deleteObject(sess, op)
}

func handleMoveObject(sess *session, frame wire.Frame) {
	var op wire.MoveObject
	if err := json.Unmarshal(frame.Payload, &op); err != nil {
		discardPayload(sess, frame.Type, err)
		return
	}
	sess.room.moveObject(sess, op)
}

// discardPayload logs and reports a malformed payload without closing the
// connection or acknowledging the operation.
func discardPayload(sess *session, frameType string, cause error) {
	log.Printf("sync: discard malformed %s document=%q client=%d: %v", frameType, sess.room.documentID, sess.clientID, cause)
	_ = writeError(sess, wire.CodeInvalidArgument, fmt.Sprintf("invalid %s payload", frameType))
}

func writeError(sess *session, code string, message string) error {
	return sess.writeFrame(wire.Frame{
		Type:    wire.TypeError,
		Payload: wire.MustPayload(wire.Error{Code: code, Message: message}),
	})
}

// NewServer builds a configured sync server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	registry := NewRegistry()
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(registry, config.Grant),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		registry:        registry,
	}, nil
}

// Run creates and serves a sync server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init sync server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve sync: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("sync server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("sync server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close severs the live websocket streams, which Shutdown leaves alone
// because they are hijacked connections.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.registry.CloseAll()
}
