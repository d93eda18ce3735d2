package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
	}
}

// SendDegradedReadAlert fires when a read was answered from the mirror
// because the ledger was unreachable.
func (m *Manager) SendDegradedReadAlert(trackingID, reason string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "⚠️ *DEGRADED READ SERVED*",
		Attachments: []slackAttachment{
			{
				Color: "warning",
				Title: "Ledger Unreachable, Mirror Answered",
				Fields: []slackField{
					{Title: "Tracking ID", Value: trackingID, Short: true},
					{Title: "Reason", Value: reason, Short: false},
				},
				Footer: "Medtrail Audit Trail",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendReconcileFailureAlert fires when the mirror could not be updated
// after a confirmed ledger write.
func (m *Manager) SendReconcileFailureAlert(trackingID, txHash, details string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *MIRROR RECONCILIATION FAILED*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Mirror Out of Sync With Ledger",
				Fields: []slackField{
					{Title: "Tracking ID", Value: trackingID, Short: true},
					{Title: "Transaction", Value: txHash, Short: true},
					{Title: "Details", Value: details, Short: false},
				},
				Footer: "Medtrail Audit Trail",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendIndeterminateTxAlert fires when a broadcast transaction's outcome is
// unknown; the operator must check the ledger before retrying.
func (m *Manager) SendIndeterminateTxAlert(trackingID, txHash, details string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *TRANSACTION OUTCOME UNKNOWN*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Broadcast Without Confirmation",
				Fields: []slackField{
					{Title: "Tracking ID", Value: trackingID, Short: true},
					{Title: "Transaction", Value: txHash, Short: true},
					{Title: "Details", Value: details, Short: false},
				},
				Footer: "Medtrail Audit Trail",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	color := "danger"
	if severity == "warning" {
		color = "warning"
	} else if severity == "good" {
		color = "good"
	}

	msg := slackMessage{
		Text: fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: "Medtrail Audit Trail",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
