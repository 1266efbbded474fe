package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTable renders a QueryResult as a human-readable table.
func FormatTable(result *QueryResult) string {
	if len(result.Entries) == 0 {
		return "No audit entries matched.\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-19s %-12s %-10s %-11s %-18s %-9s %s\n",
		"TIME", "NODE", "ACTOR", "TIER", "ACTION", "RESULT", "COMMAND"))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		b.WriteString(fmt.Sprintf("%-19s %-12s %-10s %-11s %-18s %-9s %s\n",
			formatTime(e.Timestamp),
			truncate(e.TargetNode, 12),
			truncate(e.Actor, 10),
			e.Tier,
			truncate(e.Action, 18),
			e.Result.Status,
			truncate(e.Request.Command, 40)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))
	return b.String()
}

// FormatJSON renders a QueryResult as indented JSON.
func FormatJSON(result *QueryResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal query result: %w", err)
	}
	return string(data), nil
}

func formatTime(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatSummary(s Summary) string {
	parts := []string{fmt.Sprintf("%d total", s.Total)}
	if s.Executed > 0 {
		parts = append(parts, fmt.Sprintf("%d executed", s.Executed))
	}
	if s.Denied > 0 {
		parts = append(parts, fmt.Sprintf("%d denied", s.Denied))
	}
	if s.Blocked > 0 {
		parts = append(parts, fmt.Sprintf("%d blocked", s.Blocked))
	}
	if s.Breakglass > 0 {
		parts = append(parts, fmt.Sprintf("%d break-glass", s.Breakglass))
	}
	return "Summary: " + strings.Join(parts, ", ") + "\n"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
