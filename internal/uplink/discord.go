package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bit2swaz/afetmesh/internal/engine"
	"github.com/bit2swaz/afetmesh/internal/envelope"
)

// Service forwards urgent mesh traffic to a chat webhook whenever this node
// happens to have internet access.
type Service struct {
	WebhookURL string
	client     *http.Client
}

func NewService(url string, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		WebhookURL: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// ShouldRelay picks critical help requests and early warning pulses.
func ShouldRelay(r envelope.Record) bool {
	switch r.Kind {
	case envelope.KindEarlyWarningPulse:
		return true
	case envelope.KindHelpRequest:
		return r.Priority == envelope.PriorityCritical || r.Flags.UnderRubble
	default:
		return false
	}
}

func Format(m engine.Received) string {
	r := m.Record
	var b strings.Builder
	fmt.Fprintf(&b, "📡 **[MESH RELAY]** %s (%s)\n", r.Kind, r.Priority)
	if r.Kind == envelope.KindEarlyWarningPulse && r.Strength != nil {
		fmt.Fprintf(&b, "**Strength:** %.2f\n", *r.Strength)
	}
	if r.Kind == envelope.KindHelpRequest {
		fmt.Fprintf(&b, "**People:** %d", r.PeopleCount)
		if r.Flags.UnderRubble {
			b.WriteString(" | under rubble")
		}
		if r.Flags.Injured {
			b.WriteString(" | injured")
		}
		b.WriteString("\n")
	}
	if r.Note != "" {
		fmt.Fprintf(&b, "**Message:** %s\n", r.Note)
	}
	if r.BatteryPercent != nil {
		fmt.Fprintf(&b, "**Battery:** %d%%\n", *r.BatteryPercent)
	}
	fmt.Fprintf(&b, "**Location:** %.4f, %.4f (±%.0fm)\n[Open in Maps](https://maps.google.com/?q=%f,%f)\n",
		r.Location.Lat, r.Location.Lon, r.Location.Accuracy, r.Location.Lat, r.Location.Lon)
	fmt.Fprintf(&b, "**Hops:** %d", r.Hops)
	return b.String()
}

// Send posts one message to the webhook.
func (s *Service) Send(ctx context.Context, m engine.Received) error {
	payload := map[string]string{
		"content": Format(m),
	}
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal uplink payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(jsonPayload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send uplink request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("uplink returned status %s", resp.Status)
	}
	return nil
}

// Start relays qualifying messages from msgChan until ctx is done or the
// channel is closed.
func (s *Service) Start(ctx context.Context, msgChan <-chan engine.Received) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgChan:
				if !ok {
					return
				}
				if !ShouldRelay(m.Record) {
					continue
				}
				if err := s.Send(ctx, m); err != nil {
					slog.Error("Uplink failed", "id", m.Record.ID, "error", err)
					continue
				}
				slog.Info("Relayed to cloud", "id", m.Record.ID, "kind", m.Record.Kind)
			}
		}
	}()
}
