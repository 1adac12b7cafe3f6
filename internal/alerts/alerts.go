package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/models"
)

// Attachment colors per risk level
var levelColors = map[string]string{
	models.RiskLevelLow:      "#36a64f",
	models.RiskLevelMedium:   "#ff9900",
	models.RiskLevelHigh:     "#ff6666",
	models.RiskLevelCritical: "#cc0000",
}

// pagerDutySeverity maps risk levels onto incident severities
var pagerDutySeverity = map[string]string{
	models.RiskLevelLow:      "info",
	models.RiskLevelMedium:   "warning",
	models.RiskLevelHigh:     "error",
	models.RiskLevelCritical: "critical",
}

// slackPoster is the slice of the Slack API the manager uses
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Manager raises operator alerts for risky decisions. Alerting is strictly
// best-effort: failures are logged and never block the decision flow.
type Manager struct {
	cfg    configs.AlertsConfig
	slack  slackPoster
	client *http.Client
}

func NewManager(cfg configs.AlertsConfig) *Manager {
	m := &Manager{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
	if cfg.SlackToken != "" {
		m.slack = slack.New(cfg.SlackToken)
	}
	return m
}

// Notify sends the configured alerts for a decision. Slack receives every
// decision at or above medium; PagerDuty incidents are opened only for
// high and critical.
func (m *Manager) Notify(ctx context.Context, event *models.Event, decision *models.RiskDecision) {
	rank := models.RiskLevelRank(decision.RiskLevel)

	if m.slack != nil && rank >= models.RiskLevelRank(models.RiskLevelMedium) {
		if err := m.sendSlack(ctx, event, decision); err != nil {
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("Failed to send Slack alert")
		}
	}

	if m.cfg.PagerDutyKey != "" && rank >= models.RiskLevelRank(models.RiskLevelHigh) {
		if err := m.sendPagerDuty(ctx, event, decision); err != nil {
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("Failed to create PagerDuty incident")
		}
	}
}

func (m *Manager) sendSlack(ctx context.Context, event *models.Event, decision *models.RiskDecision) error {
	attachment := slack.Attachment{
		Color: levelColors[decision.RiskLevel],
		Title: fmt.Sprintf("%s risk decision: %s", strings.ToUpper(decision.RiskLevel), decision.RecommendedAction),
		Fields: []slack.AttachmentField{
			{Title: "Event", Value: event.EventType, Short: true},
			{Title: "User", Value: decision.UserID, Short: true},
			{Title: "Score", Value: fmt.Sprintf("%.2f", decision.Score), Short: true},
			{Title: "Confidence", Value: fmt.Sprintf("%.2f", decision.Confidence), Short: true},
			{Title: "Triggered rules", Value: strings.Join(decision.TriggeredRules, ", "), Short: false},
		},
		Footer: "sentineliq risk engine",
		Ts:     json.Number(fmt.Sprintf("%d", decision.CreatedAt.Unix())),
	}

	_, _, err := m.slack.PostMessageContext(ctx, m.cfg.SlackChannel, slack.MsgOptionAttachments(attachment))
	return err
}

// sendPagerDuty opens an incident via the REST API. No client library is
// used; the call is a single JSON POST.
func (m *Manager) sendPagerDuty(ctx context.Context, event *models.Event, decision *models.RiskDecision) error {
	urgency := "low"
	if decision.RiskLevel == models.RiskLevelCritical {
		urgency = "high"
	}

	incident := map[string]interface{}{
		"incident": map[string]interface{}{
			"type":  "incident",
			"title": fmt.Sprintf("[%s] %s on %s for user %s", strings.ToUpper(decision.RiskLevel), decision.RecommendedAction, event.EventType, decision.UserID),
			"service": map[string]interface{}{
				"id":   m.cfg.PagerDutyService,
				"type": "service_reference",
			},
			"urgency": urgency,
			"body": map[string]interface{}{
				"type": "incident_body",
				"details": fmt.Sprintf("score=%.2f severity=%s rules=%s event_id=%s",
					decision.Score, pagerDutySeverity[decision.RiskLevel],
					strings.Join(decision.TriggeredRules, ","), event.ID),
			},
		},
	}

	body, err := json.Marshal(incident)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.PagerDutyURL+"/incidents", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token token="+m.cfg.PagerDutyKey)
	req.Header.Set("From", m.cfg.PagerDutyEmail)

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("pagerduty returned status %d", resp.StatusCode)
	}
	return nil
}
