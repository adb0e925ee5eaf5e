package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tally/internal/config"
	"tally/internal/doc"
	"tally/internal/relay"
	"tally/internal/state"
)

func newRelay(t *testing.T) string {
	t.Helper()
	cfg := config.Config{
		SyncPathPrefix:     "/sync/",
		RoomTTL:            time.Hour,
		MaxFrameBytes:      1 << 20,
		MaxFramesPerSecond: 1000,
	}
	srv := relay.NewServer(cfg, relay.NewMemoryRegistry(time.Hour))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func bootstrapped(t *testing.T) *state.Document {
	t.Helper()
	d := state.Wrap(doc.New())
	if err := state.Bootstrap(d); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	return d
}

func connect(t *testing.T, serverURL, room string, d *doc.Doc, opts Options) *Session {
	t.Helper()
	s, err := Connect(serverURL, room, d, opts)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(s.Destroy)
	return s
}

func TestRelayedPropagation(t *testing.T) {
	server := newRelay(t)

	docA := bootstrapped(t)
	a := connect(t, server, "quiz", docA.Doc(), Options{Password: "pw", Action: "create", PeerID: "peer-a"})
	waitFor(t, "creator connection", a.Connected)

	docB := state.Wrap(doc.New())
	synced := make(chan struct{}, 1)
	b := connect(t, server, "quiz", docB.Doc(), Options{
		Password: "pw",
		PeerID:   "peer-b",
		OnSync: func(ok bool) {
			if ok {
				select {
				case synced <- struct{}{}:
				default:
				}
			}
		},
	})
	waitFor(t, "joiner connection", b.Connected)

	// Late-join hand-off: the creator answers the joiner's sync.request
	// with a full snapshot.
	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("joiner never received the state hand-off")
	}
	if !docB.HasReplicatedData() {
		t.Fatal("joiner document empty after hand-off")
	}

	// Live updates flow creator -> joiner.
	err := docA.Doc().Transact(doc.Local(), func(tx *doc.Tx) error {
		s, _ := docA.Current()
		q, _ := s.Question(1)
		return q.SetScore(tx, 7)
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	waitFor(t, "score propagation", func() bool {
		s, ok := docB.Current()
		if !ok {
			return false
		}
		q, ok := s.Question(1)
		return ok && q.Score() == 7
	})
}

func TestRemoteUpdatesCarryPeerOrigin(t *testing.T) {
	server := newRelay(t)

	docA := bootstrapped(t)
	a := connect(t, server, "quiz", docA.Doc(), Options{Password: "pw", Action: "create", PeerID: "peer-a"})
	waitFor(t, "creator connection", a.Connected)

	docB := state.Wrap(doc.New())
	origins := make(chan doc.Origin, 16)
	docB.Doc().OnUpdate(func(u doc.Update, origin doc.Origin) {
		origins <- origin
	})
	b := connect(t, server, "quiz", docB.Doc(), Options{Password: "pw", PeerID: "peer-b"})
	waitFor(t, "joiner connection", b.Connected)

	select {
	case origin := <-origins:
		if origin.Kind != doc.OriginRemote || origin.Peer != "peer-a" {
			t.Errorf("origin = %v, want remote(peer-a)", origin)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no remote transaction arrived")
	}
}

func TestAuthRejectionIsStatusEvent(t *testing.T) {
	server := newRelay(t)

	status := make(chan bool, 1)
	s, err := Connect(server, "nonexistent", doc.New(), Options{
		Password: "pw",
		OnStatus: func(connected bool) {
			select {
			case status <- connected:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("Connect returned an error instead of a status event: %v", err)
	}
	t.Cleanup(s.Destroy)

	select {
	case connected := <-status:
		if connected {
			t.Error("status = connected for a rejected join")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no status event for the rejected join")
	}
	if s.Connected() {
		t.Error("Connected() = true after rejection")
	}
}

func TestConnectValidatesInput(t *testing.T) {
	if _, err := Connect("http://relay", "quiz", doc.New(), Options{}); err == nil {
		t.Error("expected error for non-websocket scheme")
	}
	if _, err := Connect("ws://relay", "", doc.New(), Options{}); err == nil {
		t.Error("expected error for empty room")
	}
}

func TestDestroyIsIdempotentAndZeroesKey(t *testing.T) {
	server := newRelay(t)

	d := bootstrapped(t)
	s := connect(t, server, "quiz", d.Doc(), Options{Password: "pw", Action: "create"})
	waitFor(t, "connection", s.Connected)

	s.mu.Lock()
	key := s.key
	s.mu.Unlock()
	if len(key) == 0 {
		t.Fatal("no key derived for relayed session")
	}

	s.Destroy()
	s.Destroy()

	for _, b := range key {
		if b != 0 {
			t.Fatal("key material not zeroed on destroy")
		}
	}
	if s.Connected() {
		t.Error("Connected() = true after destroy")
	}
}

func TestDestroyDuringDerivationAbandonsKey(t *testing.T) {
	release := make(chan struct{})
	original := deriveKey
	deriveKey = func(password, roomName string) []byte {
		<-release
		return original(password, roomName)
	}
	defer func() { deriveKey = original }()

	server := newRelay(t)
	s, err := Connect(server, "quiz", doc.New(), Options{Password: "pw", Action: "create"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	s.Destroy()
	close(release)

	// The derivation finishes after destroy; the key must never be
	// installed and the connection never opened.
	time.Sleep(100 * time.Millisecond)
	s.mu.Lock()
	key, conn := s.key, s.conn
	s.mu.Unlock()
	if key != nil {
		t.Error("key installed on a destroyed session")
	}
	if conn != nil {
		t.Error("connection opened on a destroyed session")
	}
}

func TestDirectModeHandsOffState(t *testing.T) {
	server := newRelay(t)

	docA := bootstrapped(t)
	a := connect(t, server, "quiz", docA.Doc(), Options{Mode: ModeDirect, PeerID: "peer-a"})
	waitFor(t, "first peer connection", a.Connected)

	docB := state.Wrap(doc.New())
	b := connect(t, server, "quiz", docB.Doc(), Options{Mode: ModeDirect, PeerID: "peer-b"})
	waitFor(t, "second peer connection", b.Connected)

	waitFor(t, "signaled state hand-off", docB.HasReplicatedData)

	err := docB.Doc().Transact(doc.Local(), func(tx *doc.Tx) error {
		s, _ := docB.Current()
		q, _ := s.Question(1)
		return q.SetScore(tx, 4)
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	waitFor(t, "reverse propagation", func() bool {
		s, ok := docA.Current()
		if !ok {
			return false
		}
		q, ok := s.Question(1)
		return ok && q.Score() == 4
	})
}
