package web

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bit2swaz/afetmesh/internal/core"
	"github.com/bit2swaz/afetmesh/internal/engine"
	"github.com/bit2swaz/afetmesh/internal/envelope"
	"github.com/bit2swaz/afetmesh/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// MockEngine implements the Engine interface for testing
type MockEngine struct {
	ID        string
	Published []envelope.Record
	PeerList  []engine.PeerLink
	priv      ed25519.PrivateKey
}

func (m *MockEngine) NodeID() string { return m.ID }

func (m *MockEngine) Publish(r envelope.Record) error {
	signed, err := core.Sign(r, m.priv)
	if err != nil {
		return err
	}
	m.Published = append(m.Published, signed)
	return nil
}

func (m *MockEngine) Peers() []engine.PeerLink { return m.PeerList }

func (m *MockEngine) Stats() engine.Stats {
	return engine.Stats{Sent: uint64(len(m.Published)), Peers: len(m.PeerList)}
}

func setupTestServer(t *testing.T) (*Server, *MockEngine, *gorm.DB) {
	t.Helper()
	db, err := store.Init(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(db) })

	id, err := core.GenerateIdentity()
	require.NoError(t, err)
	_, priv, err := id.Keys()
	require.NoError(t, err)

	mockEngine := &MockEngine{ID: "TEST_NODE_1", priv: priv}
	return NewServer(db, mockEngine, 8080), mockEngine, db
}

func do(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestAPIStatus(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := do(t, server, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status struct {
		NodeID string       `json:"node_id"`
		Stats  engine.Stats `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "TEST_NODE_1", status.NodeID)
}

func TestAPIPeers(t *testing.T) {
	server, mock, _ := setupTestServer(t)

	w := do(t, server, http.MethodGet, "/api/peers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	mock.PeerList = []engine.PeerLink{{PeerID: "peer-b", DisplayName: "B", Signal: -55, State: engine.PeerConnected}}
	w = do(t, server, http.MethodGet, "/api/peers", nil)
	var peers []engine.PeerLink
	require.NoError(t, json.NewDecoder(w.Body).Decode(&peers))
	require.Len(t, peers, 1)
	assert.Equal(t, "peer-b", peers[0].PeerID)
	assert.Equal(t, engine.PeerConnected, peers[0].State)
}

func TestAPIMessages(t *testing.T) {
	server, _, db := setupTestServer(t)

	r, err := envelope.BuildHelpRequest(envelope.Fields{
		Location: envelope.Location{Lat: 38.4, Lon: 27.1},
		Note:     "Hello World",
	})
	require.NoError(t, err)
	msg, err := store.NewMessage(r, "peer1", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.SaveMessage(db, msg))

	w := do(t, server, http.MethodGet, "/api/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var messages []store.Message
	require.NoError(t, json.NewDecoder(w.Body).Decode(&messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "Hello World", messages[0].Note)
	assert.Equal(t, "help_request", messages[0].Kind)

	w = do(t, server, http.MethodGet, "/api/messages?kind=status_ping", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = do(t, server, http.MethodGet, "/api/messages?kind=sos", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIMessagesFragment(t *testing.T) {
	server, _, db := setupTestServer(t)

	r, err := envelope.BuildHelpRequest(envelope.Fields{
		Location: envelope.Location{Lat: 38.4, Lon: 27.1},
		Note:     "<b>rubble</b>",
	})
	require.NoError(t, err)
	msg, err := store.NewMessage(r, "peer1", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.SaveMessage(db, msg))

	req := httptest.NewRequest(http.MethodGet, "/api/messages", nil)
	req.Header.Set("HX-Request", "true")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	assert.True(t, strings.Contains(body, "&lt;b&gt;rubble&lt;/b&gt;"), body)
	assert.NotContains(t, body, "<b>rubble")
}

func TestPostAlert(t *testing.T) {
	server, mock, _ := setupTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"kind":     "help_request",
		"location": map[string]float64{"lat": 41.0082, "lon": 28.9784, "accuracy": 10},
		"flags":    map[string]bool{"under_rubble": true},
		"people":   2,
		"note":     "blue door",
		"priority": "critical",
	})
	w := do(t, server, http.MethodPost, "/api/alerts", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Len(t, mock.Published, 1)
	got := mock.Published[0]
	assert.Equal(t, envelope.KindHelpRequest, got.Kind)
	assert.Equal(t, envelope.PriorityCritical, got.Priority)
	assert.Equal(t, 2, got.PeopleCount)
	assert.True(t, got.Flags.UnderRubble)
	assert.True(t, core.VerifySender(got))

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, got.ID, resp["id"])
}

func TestPostAlertErrors(t *testing.T) {
	server, mock, _ := setupTestServer(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"not json", `{`, http.StatusBadRequest},
		{"unknown field", `{"kind":"help_request","content":"x"}`, http.StatusBadRequest},
		{"unknown kind", `{"kind":"sos","location":{"lat":1,"lon":1}}`, http.StatusBadRequest},
		{"bad priority", `{"kind":"status_ping","location":{"lat":1,"lon":1},"priority":"urgent"}`, http.StatusBadRequest},
		{"too many people", `{"kind":"help_request","location":{"lat":1,"lon":1},"people":150}`, http.StatusBadRequest},
		{"latitude", `{"kind":"help_request","location":{"lat":91,"lon":1}}`, http.StatusBadRequest},
		{"ack without reference", `{"kind":"eew_ack","location":{"lat":1,"lon":1}}`, http.StatusBadRequest},
		{"oversized frame", `{"kind":"help_request","location":{"lat":1,"lon":1},"note":"` + strings.Repeat("x", 90) + `"}`, http.StatusRequestEntityTooLarge},
		{"oversized body", `{"kind":"help_request","note":"` + strings.Repeat("x", maxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, server, http.MethodPost, "/api/alerts", []byte(tc.body))
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, mock.Published)

	w := do(t, server, http.MethodGet, "/api/alerts", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAPIGraph(t *testing.T) {
	server, mock, _ := setupTestServer(t)
	mock.PeerList = []engine.PeerLink{
		{PeerID: "connected-peer", State: engine.PeerConnected},
		{PeerID: "gone-peer", DisplayName: "G", State: engine.PeerDisconnected},
	}

	w := do(t, server, http.MethodGet, "/api/graph", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var graph struct {
		Nodes []struct {
			ID    string `json:"id"`
			Label string `json:"label"`
		} `json:"nodes"`
		Links []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"links"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&graph))
	assert.Len(t, graph.Nodes, 3)
	assert.Equal(t, "connecte", graph.Nodes[1].Label)
	require.Len(t, graph.Links, 1)
	assert.Equal(t, "connected-peer", graph.Links[0].To)
}
