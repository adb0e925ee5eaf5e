// Package transport connects a replicated document to other participants.
// Two mutually exclusive modes exist per room: relayed, a persistent
// websocket under the relay's sync path prefix authenticated by room
// password, and direct, where the same endpoint only brokers signaling
// frames between peers.
//
// Connection failures and authentication rejections are surfaced as status
// events, never as errors; retrying is the caller's decision.
package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"

	"golang.org/x/net/websocket"

	"tally/internal/doc"
	"tally/internal/keyring"
	"tally/internal/relay"
	"tally/internal/util"
)

// DefaultSyncPrefix matches the relay's default sync path prefix.
const DefaultSyncPrefix = "/sync/"

type Mode int

const (
	ModeRelayed Mode = iota
	ModeDirect
)

// Options parameterize a session. Password and Action only apply to relayed
// mode; Action defaults to join.
type Options struct {
	Mode     Mode
	Password string
	Action   string
	// PeerID identifies this participant in frames. Generated when empty.
	PeerID string
	// SyncPrefix overrides DefaultSyncPrefix.
	SyncPrefix string
	// OnStatus and OnSync are wired before the connection attempt starts,
	// so no event can be missed.
	OnStatus func(bool)
	OnSync   func(bool)
}

// deriveKey is swapped out by tests that need to hold a derivation open.
var deriveKey = keyring.Derive

// Session is one transport connection for one room. All state transitions
// run through s.mu; once destroyed, neither the network handle nor the key
// is ever used again.
type Session struct {
	d      *doc.Doc
	room   string
	peerID string
	mode   Mode

	mu        sync.Mutex
	destroyed bool
	key       []byte
	conn      *websocket.Conn
	connected bool
	unsub     func()

	cbMu     sync.Mutex
	onStatus func(bool)
	onSync   func(bool)
}

// Connect starts a session against serverURL for the given room. The
// returned session may still be connecting; progress is reported through the
// status callback. Only malformed input produces an error.
func Connect(serverURL, room string, d *doc.Doc, opts Options) (*Session, error) {
	if room == "" {
		return nil, fmt.Errorf("room name required")
	}
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "ws" && base.Scheme != "wss" {
		return nil, fmt.Errorf("server url scheme must be ws or wss, got %q", base.Scheme)
	}

	peerID := opts.PeerID
	if peerID == "" {
		peerID = util.NewID("peer")
	}
	s := &Session{
		d:        d,
		room:     room,
		peerID:   peerID,
		mode:     opts.Mode,
		onStatus: opts.OnStatus,
		onSync:   opts.OnSync,
	}
	go s.run(base, opts)
	return s, nil
}

// OnStatus registers the connected/disconnected callback.
func (s *Session) OnStatus(fn func(bool)) {
	s.cbMu.Lock()
	s.onStatus = fn
	s.cbMu.Unlock()
}

// OnSync registers the callback fired when the initial state hand-off lands.
func (s *Session) OnSync(fn func(bool)) {
	s.cbMu.Lock()
	s.onSync = fn
	s.cbMu.Unlock()
}

func (s *Session) emitStatus(connected bool) {
	s.cbMu.Lock()
	fn := s.onStatus
	s.cbMu.Unlock()
	if fn != nil {
		fn(connected)
	}
}

func (s *Session) emitSync(synced bool) {
	s.cbMu.Lock()
	fn := s.onSync
	s.cbMu.Unlock()
	if fn != nil {
		fn(synced)
	}
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Destroy tears the session down. It is idempotent, closes the network
// handle and zeroes the key material; an in-flight key derivation finds the
// destroyed flag set and abandons its result.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
	conn := s.conn
	s.conn = nil
	s.connected = false
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) run(base *url.URL, opts Options) {
	if s.mode == ModeRelayed {
		// The key is plumbed through for payload encryption; TLS carries
		// the confidentiality today. Derivation may race Destroy, so the
		// flag is checked before the key is installed.
		key := deriveKey(opts.Password, s.room)
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			return
		}
		s.key = key
		s.mu.Unlock()
	}

	conn, err := websocket.Dial(s.dialURL(base, opts), "", originURL(base))
	if err != nil {
		log.Printf("transport: connect %s: %v", s.room, err)
		s.emitStatus(false)
		return
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.connected = true
	s.unsub = s.d.OnUpdate(s.forward)
	s.mu.Unlock()
	s.emitStatus(true)

	if s.mode == ModeDirect {
		s.send(relay.Frame{Type: relay.FrameSubscribe, Topics: []string{s.room}})
	}
	// Ask whoever is already in the room for the current state.
	s.sendSync(relay.Frame{Type: relay.FrameSyncRequest, Peer: s.peerID})

	s.readLoop(conn)

	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.conn = nil
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if wasConnected {
		s.emitStatus(false)
	}
}

func (s *Session) dialURL(base *url.URL, opts Options) string {
	u := *base
	if s.mode == ModeRelayed {
		prefix := opts.SyncPrefix
		if prefix == "" {
			prefix = DefaultSyncPrefix
		}
		u.Path = prefix + url.PathEscape(s.room)
		action := opts.Action
		if action == "" {
			action = "join"
		}
		q := url.Values{}
		q.Set("password", opts.Password)
		q.Set("action", action)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func originURL(base *url.URL) string {
	origin := *base
	if origin.Scheme == "wss" {
		origin.Scheme = "https"
	} else {
		origin.Scheme = "http"
	}
	origin.Path = "/"
	return origin.String()
}

// forward ships every locally visible transaction to the room. Remote
// transactions came from the room and are not echoed back.
func (s *Session) forward(u doc.Update, origin doc.Origin) {
	if origin.Kind == doc.OriginRemote {
		return
	}
	payload, err := json.Marshal(u)
	if err != nil {
		log.Printf("transport: marshal update: %v", err)
		return
	}
	s.sendSync(relay.Frame{Type: relay.FrameSyncUpdate, Peer: s.peerID, Payload: payload})
}

// sendSync wraps sync frames as publishes in direct mode, where the server
// only routes signaling topics.
func (s *Session) sendSync(frame relay.Frame) {
	if s.mode == ModeDirect {
		payload, err := json.Marshal(frame)
		if err != nil {
			log.Printf("transport: marshal frame: %v", err)
			return
		}
		frame = relay.Frame{Type: relay.FramePublish, Topic: s.room, Payload: payload}
	}
	s.send(frame)
}

func (s *Session) send(frame relay.Frame) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := websocket.JSON.Send(conn, frame); err != nil {
		log.Printf("transport: send %s: %v", frame.Type, err)
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	decoder := json.NewDecoder(conn)
	for {
		var frame relay.Frame
		if err := decoder.Decode(&frame); err != nil {
			return
		}
		if s.mode == ModeDirect && frame.Type == relay.FramePublish {
			var inner relay.Frame
			if err := json.Unmarshal(frame.Payload, &inner); err != nil {
				log.Printf("transport: decode published frame: %v", err)
				continue
			}
			frame = inner
		}
		s.handle(frame)
	}
}

func (s *Session) handle(frame relay.Frame) {
	switch frame.Type {
	case relay.FrameSyncUpdate:
		var u doc.Update
		if err := json.Unmarshal(frame.Payload, &u); err != nil {
			log.Printf("transport: decode update from %s: %v", frame.Peer, err)
			return
		}
		if err := s.d.ApplyUpdate(u, doc.Remote(frame.Peer)); err != nil {
			log.Printf("transport: apply update from %s: %v", frame.Peer, err)
		}

	case relay.FrameSyncRequest:
		snapshot, err := s.d.EncodeSnapshot()
		if err != nil {
			log.Printf("transport: encode snapshot: %v", err)
			return
		}
		// A document with nothing in it has no state worth handing off;
		// answering would clobber the requester with emptiness when two
		// fresh peers join at once.
		if string(snapshot) == "{}" {
			return
		}
		s.sendSync(relay.Frame{Type: relay.FrameSyncState, Peer: s.peerID, Payload: snapshot})

	case relay.FrameSyncState:
		if err := s.d.ApplySnapshot(frame.Payload, doc.Remote(frame.Peer)); err != nil {
			log.Printf("transport: apply snapshot from %s: %v", frame.Peer, err)
			return
		}
		s.emitSync(true)

	case relay.FramePong, relay.FrameError:
		// Pongs are keepalive noise; relay errors are advisory.

	default:
	}
}
