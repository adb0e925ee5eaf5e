package relay

import (
	"encoding/json"
	"sync"
)

// Frame is the single wire unit for both relayed sync traffic and signaling.
// Sync frames use Type sync.* with Peer and Payload set; signaling frames use
// Type subscribe/unsubscribe/publish/ping with Topic or Topics.
type Frame struct {
	Type    string          `json:"type"`
	Peer    string          `json:"peer,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Topics  []string        `json:"topics,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame types the relay routes. The relay never inspects sync payloads.
const (
	FrameSyncUpdate  = "sync.update"
	FrameSyncRequest = "sync.request"
	FrameSyncState   = "sync.state"

	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameError       = "error"
)

// wsPeer serializes frame writes to one connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// hub tracks live rooms. Rooms hold no content, only the set of connected
// peers, and disappear when the last peer leaves.
type hub struct {
	mu    sync.Mutex
	rooms map[string]map[*wsPeer]struct{}
}

func newHub() *hub {
	return &hub{rooms: make(map[string]map[*wsPeer]struct{})}
}

func (h *hub) join(name string, peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[name]
	if !ok {
		room = make(map[*wsPeer]struct{})
		h.rooms[name] = room
	}
	room[peer] = struct{}{}
}

func (h *hub) leave(name string, peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[name]
	if !ok {
		return
	}
	delete(room, peer)
	if len(room) == 0 {
		delete(h.rooms, name)
	}
}

// others returns every peer in the room except the sender.
func (h *hub) others(name string, sender *wsPeer) []*wsPeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[name]
	out := make([]*wsPeer, 0, len(room))
	for p := range room {
		if p != sender {
			out = append(out, p)
		}
	}
	return out
}

func (h *hub) roomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
