package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/bit2swaz/afetmesh/internal/engine"
	"github.com/bit2swaz/afetmesh/internal/envelope"
	"github.com/bit2swaz/afetmesh/internal/store"
	"gorm.io/gorm"
)

const maxBodyBytes = 4 << 10

type Engine interface {
	NodeID() string
	Publish(r envelope.Record) error
	Peers() []engine.PeerLink
	Stats() engine.Stats
}

type Server struct {
	db     *gorm.DB
	engine Engine
	port   int
}

func NewServer(db *gorm.DB, eng Engine, port int) *Server {
	return &Server{
		db:     db,
		engine: eng,
		port:   port,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/peers", s.handlePeers)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/graph", s.handleGraph)
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Web server starting", "port", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id": s.engine.NodeID(),
		"stats":   s.engine.Stats(),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	peers := s.engine.Peers()
	if peers == nil {
		peers = []engine.PeerLink{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}

	var (
		messages []store.Message
		err      error
	)
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, perr := envelope.ParseKind(k)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		messages, err = store.GetMessagesByKind(s.db, kind, limit)
	} else {
		messages, err = store.GetMessages(s.db, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})

	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("Content-Type", "text/html")
		for _, msg := range messages {
			colorClass := "text-green-500"
			if msg.Priority == int(envelope.PriorityCritical) {
				colorClass = "text-red-500"
			}
			ts := msg.ReceivedAt.Format("15:04:05")
			fmt.Fprintf(w, `<div class="mb-1 font-mono"><span class="text-gray-500">[%s]</span> <span class="font-bold %s">%s:</span> <span class="text-white">%s</span></div>`,
				ts, colorClass, html.EscapeString(msg.Kind), html.EscapeString(msg.Note))
		}
		return
	}

	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

type alertRequest struct {
	Kind        string            `json:"kind"`
	Location    envelope.Location `json:"location"`
	Flags       envelope.Flags    `json:"flags"`
	People      int               `json:"people"`
	Note        string            `json:"note"`
	Battery     *int              `json:"battery"`
	TTL         *int              `json:"ttl"`
	Priority    *string           `json:"priority"`
	Strength    float64           `json:"strength"`
	ReferenceID string            `json:"reference_id"`
}

func parsePriority(s string) (envelope.Priority, error) {
	for p := envelope.PriorityNormal; p <= envelope.PriorityCritical; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, &envelope.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
}

func (req alertRequest) record() (envelope.Record, error) {
	kind, err := envelope.ParseKind(req.Kind)
	if err != nil {
		return envelope.Record{}, &envelope.ValidationError{Field: "kind", Reason: err.Error()}
	}
	f := envelope.Fields{
		Location:       req.Location,
		Flags:          req.Flags,
		PeopleCount:    req.People,
		Note:           req.Note,
		BatteryPercent: req.Battery,
		TTL:            req.TTL,
		Strength:       req.Strength,
		ReferenceID:    req.ReferenceID,
	}
	if req.Priority != nil {
		p, err := parsePriority(*req.Priority)
		if err != nil {
			return envelope.Record{}, err
		}
		f.Priority = &p
	}
	return envelope.Build(kind, f)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req alertRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := req.record()
	if err == nil {
		err = s.engine.Publish(rec)
	}
	switch {
	case err == nil:
	case errors.Is(err, envelope.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, envelope.ErrSize):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"id":     rec.ID,
		"kind":   rec.Kind.String(),
	})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	type Node struct {
		ID    string `json:"id"`
		Label string `json:"label"`
		Color string `json:"color"`
		Shape string `json:"shape"`
	}
	type Link struct {
		From string `json:"from"`
		To   string `json:"to"`
	}

	myID := s.engine.NodeID()
	nodes := []Node{{ID: myID, Label: "ME", Color: "#00FF00", Shape: "box"}}
	links := []Link{}

	for _, p := range s.engine.Peers() {
		color := "#008800"
		switch p.State {
		case engine.PeerConnected:
		case engine.PeerConnecting, engine.PeerDiscovered:
			color = "#AAAA00"
		default:
			color = "#555555"
		}

		label := p.DisplayName
		if label == "" {
			label = shortID(p.PeerID)
		}
		nodes = append(nodes, Node{ID: p.PeerID, Label: label, Color: color, Shape: "dot"})
		if p.State == engine.PeerConnected {
			links = append(links, Link{From: myID, To: p.PeerID})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"links": links,
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
