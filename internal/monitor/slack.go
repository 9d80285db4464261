package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackChannel posts alerts to a Slack incoming webhook via plain
// net/http; the webhook surface needs no SDK.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Name() string { return "slack" }

// ShouldNotify accepts every alert when a webhook URL is configured
// and none otherwise; filtering by alert content lives in
// Monitor.checkAlerts, which decides what counts as alert-worthy
// before it ever reaches a channel.
func (s *SlackChannel) ShouldNotify(AlertEvent) bool { return s.webhookURL != "" }

func (s *SlackChannel) Send(evt AlertEvent) error {
	if s.webhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	color := "warning"
	if evt.Stats.Total > 0 && evt.Stats.Busy == evt.Stats.Total {
		color = "danger"
	}

	payload := map[string]any{
		"text": fmt.Sprintf("Pool alert: %s", evt.PoolName),
		"attachments": []map[string]any{
			{
				"color": color,
				"title": fmt.Sprintf("%s: %s", evt.PoolName, evt.Reason),
				"fields": []map[string]any{
					{"title": "Total", "value": evt.Stats.Total, "short": true},
					{"title": "Busy", "value": evt.Stats.Busy, "short": true},
					{"title": "Idle", "value": evt.Stats.Idle, "short": true},
					{"title": "Failures", "value": evt.Stats.Failure, "short": true},
				},
				"ts": evt.Timestamp.Unix(),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
