package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bit2swaz/afetmesh/internal/engine"
	"github.com/bit2swaz/afetmesh/internal/envelope"
	"github.com/bit2swaz/afetmesh/internal/store"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gorm.io/gorm"
)

var (
	colorGreen  = lipgloss.Color("2")
	colorBlack  = lipgloss.Color("0")
	colorGray   = lipgloss.Color("240")
	colorRed    = lipgloss.Color("196")
	colorWhite  = lipgloss.Color("231")
	colorYellow = lipgloss.Color("220")

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorBlack).
			Background(colorGreen).
			Padding(0, 1)

	alertStyle = lipgloss.NewStyle().
			Background(colorRed).
			Foreground(colorWhite).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	flashStyle = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(colorRed)

	connectedPeerStyle = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	idlePeerStyle      = lipgloss.NewStyle().Foreground(colorGray)

	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(colorGreen).
			Padding(0, 1)

	streamStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(colorGreen).
			Padding(0, 1)
)

func (m model) View() string {
	if !m.ready {
		return "\n  Initializing System..."
	}

	totalWidth := m.viewport.Width
	totalHeight := m.viewport.Height

	streamWidth := int(float64(totalWidth) * 0.65)
	sidebarWidth := totalWidth - streamWidth - 4

	vp := m.viewport
	vp.Width = streamWidth
	vp.Height = totalHeight

	streamView := streamStyle.Width(streamWidth).Height(totalHeight).Render(vp.View())
	sidebarView := m.renderSidebar(sidebarWidth, totalHeight)
	body := lipgloss.JoinHorizontal(lipgloss.Top, streamView, sidebarView)

	if m.flashTick > 0 && m.flashTick%2 == 0 {
		body = flashStyle.Render(body)
	}

	return lipgloss.JoinVertical(lipgloss.Left, body, m.textInput.View(), m.renderStatusBar())
}

func (m model) renderStatusBar() string {
	mode := "LOG"
	if m.monitorMode {
		mode = "MONITOR"
	}
	text := fmt.Sprintf("%s | peers %d/%d | queued %d | %s",
		mode, m.stats.Connected, m.stats.Peers, m.stats.Queued, m.status)
	return statusBarStyle.Render(text)
}

func (m model) renderSidebar(width, height int) string {
	version := m.opts.Version
	if version == "" {
		version = "dev"
	}
	logo := fmt.Sprintf("\n AFETMESH\n %s\n", version)
	identity := fmt.Sprintf("ID: %s\nNICK: %s\nKEY: Ed25519", shortID(m.node.NodeID()), m.opts.Nick)

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("PEER", "SIG", "SEEN").
		Width(width)
	for _, p := range m.peers {
		t.Row(renderPeerName(p), fmt.Sprintf("%d", p.Signal), seenAgo(p.LastSeenAt))
	}

	s := m.stats
	counters := fmt.Sprintf("RX %d  SURFACED %d\nRELAYED %d  SENT %d\nDUP %d  BAD SIG %d  MALFORMED %d",
		s.Received, s.Surfaced, s.Relayed, s.Sent, s.Duplicates, s.BadSignatures, s.Malformed)

	content := lipgloss.JoinVertical(lipgloss.Left,
		logo,
		identity,
		"\n",
		"NETWORK HEALTH:",
		t.Render(),
		"\n",
		counters,
	)
	return sidebarStyle.Width(width).Height(height).Render(content)
}

func renderPeerName(p engine.PeerLink) string {
	name := p.DisplayName
	if name == "" {
		name = shortID(p.PeerID)
	}
	if p.State == engine.PeerConnected {
		return connectedPeerStyle.Render(name)
	}
	return idlePeerStyle.Render(name)
}

func seenAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	if d < time.Second {
		return "Now"
	}
	return d.Truncate(time.Second).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type monitorLine struct {
	TS     int64   `json:"ts"`
	Kind   string  `json:"kind"`
	ID     string  `json:"id"`
	From   string  `json:"from,omitempty"`
	Prio   int     `json:"prio"`
	Hops   int     `json:"hops"`
	People int     `json:"people"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Note   string  `json:"note,omitempty"`
}

func formatMessage(msg store.Message, monitorMode bool) string {
	if monitorMode {
		b, _ := json.Marshal(monitorLine{
			TS: msg.SentAt, Kind: msg.Kind, ID: msg.ID, From: shortID(msg.FromPeer),
			Prio: msg.Priority, Hops: msg.HopCount, People: msg.PeopleCount,
			Lat: msg.Lat, Lon: msg.Lon, Note: msg.Note,
		})
		return string(b)
	}

	ts := msg.ReceivedAt.Format("15:04:05")
	var tags []string
	if msg.Kind == envelope.KindHelpRequest.String() {
		tags = append(tags, fmt.Sprintf("%d ppl", msg.PeopleCount))
	}
	if msg.UnderRubble {
		tags = append(tags, "RUBBLE")
	}
	if msg.Injured {
		tags = append(tags, "INJURED")
	}
	if msg.Strength != nil {
		tags = append(tags, fmt.Sprintf("STR %.1f", *msg.Strength))
	}
	line := fmt.Sprintf("[%s] [%s] [HOP:%d]", ts, strings.ToUpper(msg.Kind), msg.HopCount)
	if len(tags) > 0 {
		line += " [" + strings.Join(tags, ", ") + "]"
	}
	line += fmt.Sprintf(" @ %.4f,%.4f", msg.Lat, msg.Lon)
	if msg.Note != "" {
		line += " -> " + msg.Note
	}
	return line
}

func buildHistory(db *gorm.DB, monitorMode bool) (string, error) {
	var sb strings.Builder
	msgs, err := store.GetMessages(db, 50)
	if err != nil {
		return "", err
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		line := formatMessage(msg, monitorMode)
		switch {
		case msg.Priority == int(envelope.PriorityCritical):
			line = alertStyle.Render(line)
		case msg.Priority == int(envelope.PriorityHigh):
			line = warnStyle.Render(line)
		}
		sb.WriteString(line + "\n")
	}
	return sb.String(), nil
}

func ShouldFlash(msgTime time.Time) bool {
	return time.Since(msgTime) < 500*time.Millisecond
}
