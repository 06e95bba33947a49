package tui

import (
	"fmt"
	"sort"
	"time"

	"github.com/bit2swaz/afetmesh/internal/engine"
	"github.com/bit2swaz/afetmesh/internal/envelope"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"gorm.io/gorm"
)

// Node is the part of the engine the dashboard drives.
type Node interface {
	NodeID() string
	Peers() []engine.PeerLink
	Stats() engine.Stats
	Publish(r envelope.Record) error
}

type Options struct {
	Nick     string
	Location envelope.Location
	Version  string
}

type tickMsg time.Time

type receivedMsg struct {
	rec engine.Received
	ok  bool
}

type publishedMsg struct {
	kind envelope.Kind
	err  error
}

type model struct {
	db     *gorm.DB
	node   Node
	opts   Options
	events <-chan engine.Received

	peers       []engine.PeerLink
	stats       engine.Stats
	viewport    viewport.Model
	textInput   textinput.Model
	history     string
	status      string
	monitorMode bool
	flashTick   int
	ready       bool
}

func initialModel(db *gorm.DB, node Node, events <-chan engine.Received, opts Options) model {
	ti := textinput.New()
	ti.Placeholder = "Note... (enter: post, ctrl+s: SOS, ctrl+p: ping, tab: monitor)"
	ti.Focus()
	ti.CharLimit = envelope.MaxNoteLength
	ti.Width = 60

	peers := node.Peers()
	sortPeers(peers)

	history, _ := buildHistory(db, false)
	if history == "" {
		history = "Welcome to AfetMesh!\nAlerts from the mesh will appear here.\n"
	}

	return model{
		db:        db,
		node:      node,
		opts:      opts,
		events:    events,
		peers:     peers,
		stats:     node.Stats(),
		textInput: ti,
		history:   history,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tick(), waitForReceived(m.events))
}

func tick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForReceived(ch <-chan engine.Received) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		rec, ok := <-ch
		return receivedMsg{rec: rec, ok: ok}
	}
}

func (m model) publish(kind envelope.Kind, f envelope.Fields) tea.Cmd {
	node := m.node
	return func() tea.Msg {
		r, err := envelope.Build(kind, f)
		if err == nil {
			err = node.Publish(r)
		}
		return publishedMsg{kind: kind, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		cmds  []tea.Cmd
	)

	switch msg := msg.(type) {
	case tickMsg:
		m.peers = m.node.Peers()
		sortPeers(m.peers)
		m.stats = m.node.Stats()
		if m.flashTick > 0 {
			m.flashTick--
		}
		m.refreshHistory()
		return m, tick()

	case receivedMsg:
		if !msg.ok {
			m.status = "engine stopped"
			return m, nil
		}
		if msg.rec.Record.Priority == envelope.PriorityCritical && ShouldFlash(msg.rec.At) {
			m.flashTick = 6
		}
		m.refreshHistory()
		return m, waitForReceived(m.events)

	case publishedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", msg.kind, msg.err)
		} else {
			m.status = fmt.Sprintf("%s queued", msg.kind)
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyTab:
			m.monitorMode = !m.monitorMode
			m.refreshHistory()
			return m, nil
		case tea.KeyCtrlS:
			crit := envelope.PriorityCritical
			cmds = append(cmds, m.publish(envelope.KindHelpRequest, envelope.Fields{
				Location: m.opts.Location,
				Priority: &crit,
				Note:     m.textInput.Value(),
			}))
			m.textInput.Reset()
		case tea.KeyCtrlP:
			cmds = append(cmds, m.publish(envelope.KindStatusPing, envelope.Fields{
				Location: m.opts.Location,
				Note:     m.opts.Nick,
			}))
		case tea.KeyEnter:
			if txt := m.textInput.Value(); txt != "" {
				cmds = append(cmds, m.publish(envelope.KindResourcePost, envelope.Fields{
					Location: m.opts.Location,
					Note:     txt,
				}))
				m.textInput.Reset()
			}
		}

	case tea.WindowSizeMsg:
		footerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-footerHeight)
			m.viewport.SetContent(m.history)
			m.viewport.GotoBottom()
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - footerHeight
		}
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, tiCmd, vpCmd)

	return m, tea.Batch(cmds...)
}

func (m *model) refreshHistory() {
	h, err := buildHistory(m.db, m.monitorMode)
	if err != nil || h == m.history {
		return
	}
	m.history = h
	if m.ready {
		m.viewport.SetContent(h)
		m.viewport.GotoBottom()
	}
}

// sortPeers puts connected peers first, then orders by name and id.
func sortPeers(peers []engine.PeerLink) {
	sort.Slice(peers, func(i, j int) bool {
		ci := peers[i].State == engine.PeerConnected
		cj := peers[j].State == engine.PeerConnected
		if ci != cj {
			return ci
		}
		if peers[i].DisplayName != peers[j].DisplayName {
			return peers[i].DisplayName < peers[j].DisplayName
		}
		return peers[i].PeerID < peers[j].PeerID
	})
}

// StartTUI runs the dashboard until the user quits.
func StartTUI(db *gorm.DB, node Node, events <-chan engine.Received, opts Options) error {
	p := tea.NewProgram(initialModel(db, node, events, opts), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}
