package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Filter selects audit entries. Zero-valued fields match everything.
type Filter struct {
	Node   string
	Actor  string
	Tier   string
	Action string
	Status string
	From   time.Time // zero value = no lower bound
	To     time.Time // zero value = no upper bound
	Limit  int       // keep only the newest Limit matches; 0 = all
}

// Summary counts outcomes over a query result.
type Summary struct {
	Total          int    `json:"total"`
	Executed       int    `json:"executed"`
	Denied         int    `json:"denied"`
	Blocked        int    `json:"blocked"`
	Breakglass     int    `json:"breakglass"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// QueryResult holds filtered entries and their summary.
type QueryResult struct {
	Entries []Entry `json:"entries"`
	Summary Summary `json:"summary"`
}

// Query reads the audit log read-only and returns entries matching the filter.
// Malformed lines are skipped; Verify is the tool for detecting them.
func Query(path string, filter Filter) (*QueryResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var matched []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if filter.Matches(entry) {
			matched = append(matched, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[len(matched)-filter.Limit:]
	}

	result := &QueryResult{Entries: matched}
	for _, e := range matched {
		updateSummary(&result.Summary, e)
	}
	return result, nil
}

// Matches reports whether the entry satisfies every set field of the filter.
func (f Filter) Matches(e Entry) bool {
	if f.Node != "" && e.TargetNode != f.Node {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Tier != "" && e.Tier != f.Tier {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Status != "" && e.Result.Status != f.Status {
		return false
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		ts, err := time.Parse(TimestampFormat, e.Timestamp)
		if err != nil {
			return false
		}
		if !f.From.IsZero() && ts.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && ts.After(f.To) {
			return false
		}
	}
	return true
}

func updateSummary(s *Summary, e Entry) {
	s.Total++

	switch e.Result.Status {
	case StatusExecuted:
		s.Executed++
	case StatusDenied:
		s.Denied++
	case StatusBlocked:
		s.Blocked++
	}

	switch e.Action {
	case ActionBreakglassCreated, ActionBreakglassExpired, ActionBreakglassRevoked:
		s.Breakglass++
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.Timestamp
	}
	s.LastTimestamp = e.Timestamp
}
