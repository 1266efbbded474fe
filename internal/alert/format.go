package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("tiergate: %s on %s", event.Type, event.Node),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Actor:* %s", event.Actor)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Tier:* %s", event.Tier)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Subject:* %s", event.Subject)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("tiergate %s on %s: %s", event.Type, event.Node, event.Subject),
			"severity": severityFor(event.Type),
			"source":   event.Node,
			"custom_details": map[string]any{
				"actor":   event.Actor,
				"tier":    event.Tier,
				"subject": event.Subject,
				"reason":  event.Reason,
			},
		},
	}
	return json.Marshal(payload)
}

func severityFor(eventType string) string {
	switch eventType {
	case TypeRollbackFailed:
		return "critical"
	case TypeBreakglassCreated, TypeRollback, TypeTrustConfigHealed:
		return "error"
	case TypeBlocked:
		return "warning"
	default:
		return "info"
	}
}
