// Package relay implements the signaling/relay endpoint. One listener
// multiplexes by path: connections under the sync path prefix are relayed
// rooms that require room credentials before the websocket upgrade; every
// other path carries peer-to-peer signaling traffic. The relay routes frames
// between live participants and keeps no scoring content.
package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"tally/internal/config"
)

const maxDecodeErrorsPerConn = 3

type Server struct {
	cfg      config.Config
	registry Registry
	sync     *hub
	signal   *hub
}

func NewServer(cfg config.Config, registry Registry) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		sync:     newHub(),
		signal:   newHub(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/", s.route)
	return mux
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.HasPrefix(r.URL.Path, s.cfg.SyncPathPrefix) {
		s.handleSync(w, r)
		return
	}
	s.handleSignal(w, r)
}

// handleSync authenticates {password, action} against the room registry
// before the websocket upgrade completes, so a rejected client never holds a
// connection.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	room := strings.Trim(strings.TrimPrefix(r.URL.Path, s.cfg.SyncPathPrefix), "/")
	if room == "" {
		http.Error(w, "room name required", http.StatusBadRequest)
		return
	}

	password := r.URL.Query().Get("password")
	if password == "" {
		http.Error(w, "password required", http.StatusUnauthorized)
		return
	}
	action := r.URL.Query().Get("action")
	if action == "" {
		action = "join"
	}

	var err error
	switch action {
	case "create":
		err = s.registry.CreateRoom(r.Context(), room, password)
	case "join":
		err = s.registry.JoinRoom(r.Context(), room, password)
	default:
		http.Error(w, "action must be create or join", http.StatusBadRequest)
		return
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrRoomExists):
		http.Error(w, "room already exists", http.StatusConflict)
		return
	case errors.Is(err, ErrRoomNotFound):
		http.Error(w, "room not found", http.StatusNotFound)
		return
	case errors.Is(err, ErrBadPassword):
		http.Error(w, "wrong password", http.StatusForbidden)
		return
	default:
		log.Printf("relay: room auth failed for %q: %v", room, err)
		http.Error(w, "room registry unavailable", http.StatusServiceUnavailable)
		return
	}

	websocket.Handler(func(conn *websocket.Conn) {
		s.serveSync(conn, room)
	}).ServeHTTP(w, r)
}

func (s *Server) serveSync(conn *websocket.Conn, room string) {
	defer func() { _ = conn.Close() }()

	peer := newWSPeer(json.NewEncoder(conn))
	s.sync.join(room, peer)
	defer s.sync.leave(room, peer)

	s.readLoop(conn, peer, func(frame Frame) bool {
		switch frame.Type {
		case FrameSyncUpdate, FrameSyncRequest, FrameSyncState:
			for _, other := range s.sync.others(room, peer) {
				_ = other.writeFrame(frame)
			}
		case FramePing:
			_ = peer.writeFrame(Frame{Type: FramePong})
		default:
			_ = writeError(peer, "unsupported frame type")
		}
		return true
	})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(s.serveSignal).ServeHTTP(w, r)
}

func (s *Server) serveSignal(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	peer := newWSPeer(json.NewEncoder(conn))
	subscribed := make(map[string]struct{})
	defer func() {
		for topic := range subscribed {
			s.signal.leave(topic, peer)
		}
	}()

	s.readLoop(conn, peer, func(frame Frame) bool {
		switch frame.Type {
		case FrameSubscribe:
			for _, topic := range frame.Topics {
				if topic == "" {
					continue
				}
				s.signal.join(topic, peer)
				subscribed[topic] = struct{}{}
			}
		case FrameUnsubscribe:
			for _, topic := range frame.Topics {
				s.signal.leave(topic, peer)
				delete(subscribed, topic)
			}
		case FramePublish:
			if frame.Topic == "" {
				_ = writeError(peer, "topic is required")
				return true
			}
			for _, other := range s.signal.others(frame.Topic, peer) {
				_ = other.writeFrame(frame)
			}
		case FramePing:
			_ = peer.writeFrame(Frame{Type: FramePong})
		default:
			_ = writeError(peer, "unsupported frame type")
		}
		return true
	})
}

// readLoop decodes frames and enforces the connection hygiene limits: a
// payload size cap, a cap on consecutive decode errors, and a per-second
// frame rate limit.
func (s *Server) readLoop(conn *websocket.Conn, peer *wsPeer, handle func(Frame) bool) {
	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeError(peer, "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > s.cfg.MaxFrameBytes {
			_ = writeError(peer, "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > s.cfg.MaxFramesPerSecond {
			_ = writeError(peer, "rate limit exceeded")
			return
		}

		if !handle(frame) {
			return
		}
	}
}

type errorPayload struct {
	Message string `json:"message"`
}

func writeError(peer *wsPeer, message string) error {
	payload, err := json.Marshal(errorPayload{Message: message})
	if err != nil {
		return err
	}
	return peer.writeFrame(Frame{Type: FrameError, Payload: payload})
}
