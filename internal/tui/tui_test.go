package tui

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bit2swaz/afetmesh/internal/engine"
	"github.com/bit2swaz/afetmesh/internal/envelope"
	"github.com/bit2swaz/afetmesh/internal/store"
	tea "github.com/charmbracelet/bubbletea"
	"gorm.io/gorm"
)

type fakeNode struct {
	published []envelope.Record
	peers     []engine.PeerLink
}

func (f *fakeNode) NodeID() string { return "node-1234567890" }
func (f *fakeNode) Peers() []engine.PeerLink { return append([]engine.PeerLink(nil), f.peers...) }
func (f *fakeNode) Stats() engine.Stats { return engine.Stats{Peers: len(f.peers)} }
func (f *fakeNode) Publish(r envelope.Record) error {
	f.published = append(f.published, r)
	return nil
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := store.Init(filepath.Join(t.TempDir(), "tui.db"))
	if err != nil {
		t.Fatalf("store.Init failed: %v", err)
	}
	t.Cleanup(func() { store.Close(db) })
	return db
}

func TestFlashLogic(t *testing.T) {
	if !ShouldFlash(time.Now()) {
		t.Error("Expected ShouldFlash(Now) to be true")
	}

	oldTime := time.Now().Add(-2 * time.Second)
	if ShouldFlash(oldTime) {
		t.Error("Expected ShouldFlash(OldTime) to be false")
	}
}

func TestPeerSorting(t *testing.T) {
	peers := []engine.PeerLink{
		{PeerID: "z", DisplayName: "Zebra", State: engine.PeerConnected},
		{PeerID: "a", DisplayName: "Alpha", State: engine.PeerDiscovered},
		{PeerID: "b", DisplayName: "Beta", State: engine.PeerConnected},
	}

	sortPeers(peers)

	if peers[0].DisplayName != "Beta" {
		t.Errorf("Expected first peer to be Beta, got %s", peers[0].DisplayName)
	}
	if peers[1].DisplayName != "Zebra" {
		t.Errorf("Expected second peer to be Zebra, got %s", peers[1].DisplayName)
	}
	if peers[2].DisplayName != "Alpha" {
		t.Errorf("Expected third peer to be Alpha, got %s", peers[2].DisplayName)
	}
}

func TestFormatMessage(t *testing.T) {
	strength := 4.5
	msg := store.Message{
		ID:          "abc",
		Kind:        "help_request",
		PeopleCount: 3,
		UnderRubble: true,
		HopCount:    2,
		Lat:         38.4192,
		Lon:         27.1287,
		Note:        "blue door",
		ReceivedAt:  time.Date(2024, 6, 10, 12, 30, 0, 0, time.Local),
	}

	line := formatMessage(msg, false)
	for _, want := range []string{"[12:30:00]", "[HELP_REQUEST]", "[HOP:2]", "3 ppl", "RUBBLE", "38.4192,27.1287", "-> blue door"} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}

	msg.Kind = "eew_pulse"
	msg.Strength = &strength
	raw := formatMessage(msg, true)
	if !strings.HasPrefix(raw, "{") || !strings.Contains(raw, `"kind":"eew_pulse"`) {
		t.Errorf("unexpected monitor line %q", raw)
	}
}

func TestQuickKeysPublish(t *testing.T) {
	node := &fakeNode{}
	m := initialModel(testDB(t), node, nil, Options{
		Nick:     "Ayse",
		Location: envelope.Location{Lat: 41, Lon: 29},
	})

	msg := m.publish(envelope.KindHelpRequest, envelope.Fields{Location: m.opts.Location, Note: "trapped"})()
	pub, ok := msg.(publishedMsg)
	if !ok || pub.err != nil {
		t.Fatalf("unexpected publish result %#v", msg)
	}
	if len(node.published) != 1 || node.published[0].Kind != envelope.KindHelpRequest {
		t.Fatalf("expected one help request, got %+v", node.published)
	}

	next, _ := m.Update(pub)
	if got := next.(model).status; got != "help_request queued" {
		t.Errorf("status = %q", got)
	}

	bad := m.publish(envelope.KindEarlyWarningAck, envelope.Fields{Location: m.opts.Location})().(publishedMsg)
	if bad.err == nil {
		t.Error("expected ack without reference to fail")
	}
}

func TestTabTogglesMonitorMode(t *testing.T) {
	m := initialModel(testDB(t), &fakeNode{}, nil, Options{})

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	if !next.(model).monitorMode {
		t.Error("expected monitor mode after tab")
	}
	next, _ = next.(model).Update(tea.KeyMsg{Type: tea.KeyTab})
	if next.(model).monitorMode {
		t.Error("expected log mode after second tab")
	}
}

func TestCriticalReceiveFlashes(t *testing.T) {
	events := make(chan engine.Received, 1)
	m := initialModel(testDB(t), &fakeNode{}, events, Options{})

	r, err := envelope.BuildEEWPulse(envelope.Fields{Location: envelope.Location{Lat: 40, Lon: 30}, Strength: 5})
	if err != nil {
		t.Fatal(err)
	}
	next, cmd := m.Update(receivedMsg{rec: engine.Received{Record: r, At: time.Now()}, ok: true})
	if next.(model).flashTick == 0 {
		t.Error("expected flash on critical receipt")
	}
	if cmd == nil {
		t.Error("expected to keep listening for events")
	}

	next, cmd = next.(model).Update(receivedMsg{ok: false})
	if cmd != nil || next.(model).status != "engine stopped" {
		t.Error("closed event channel should stop listening")
	}
}
