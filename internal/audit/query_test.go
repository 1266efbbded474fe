package audit

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeQueryLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "query.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Actor: "alice", TargetNode: "edge-1", Tier: "diag", Action: ActionCommand, Result: Result{Status: StatusExecuted}},
		{Actor: "alice", TargetNode: "edge-1", Tier: "diag", Action: ActionCommand, Result: Result{Status: StatusBlocked}},
		{Actor: "bob", TargetNode: "edge-2", Tier: "remediate", Action: ActionCommand, Result: Result{Status: StatusDenied}},
		{Actor: "bob", TargetNode: "edge-2", Tier: "breakglass", Action: ActionBreakglassCreated, Result: Result{Status: StatusOK}},
		{Actor: "carol", TargetNode: "edge-1", Tier: "breakglass", Action: ActionCommand, Result: Result{Status: StatusExecuted}},
	}
	for i, e := range entries {
		e.Timestamp = base.Add(time.Duration(i) * time.Minute).Format(TimestampFormat)
		if err := l.Record(e); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestQueryFilters(t *testing.T) {
	path := writeQueryLog(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 5},
		{"node", Filter{Node: "edge-1"}, 3},
		{"actor", Filter{Actor: "bob"}, 2},
		{"tier", Filter{Tier: "breakglass"}, 2},
		{"status", Filter{Status: StatusBlocked}, 1},
		{"node and actor", Filter{Node: "edge-1", Actor: "alice"}, 2},
		{"from", Filter{From: base.Add(2 * time.Minute)}, 3},
		{"to", Filter{To: base.Add(1 * time.Minute)}, 2},
		{"range", Filter{From: base.Add(1 * time.Minute), To: base.Add(3 * time.Minute)}, 3},
		{"limit keeps newest", Filter{Limit: 2}, 2},
		{"no match", Filter{Actor: "mallory"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Query(path, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Entries) != tt.want {
				t.Errorf("expected %d entries, got %d", tt.want, len(res.Entries))
			}
		})
	}
}

func TestQueryLimitKeepsNewest(t *testing.T) {
	path := writeQueryLog(t)
	res, err := Query(path, Filter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Entries[0].Actor != "carol" {
		t.Errorf("expected newest entry (carol), got %s", res.Entries[0].Actor)
	}
}

func TestQuerySummary(t *testing.T) {
	path := writeQueryLog(t)
	res, err := Query(path, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	s := res.Summary
	if s.Total != 5 || s.Executed != 2 || s.Blocked != 1 || s.Denied != 1 || s.Breakglass != 1 {
		t.Errorf("unexpected summary: %+v", s)
	}
	if s.FirstTimestamp == "" || s.LastTimestamp == "" || s.FirstTimestamp == s.LastTimestamp {
		t.Errorf("unexpected timestamps: %+v", s)
	}
}

func TestQueryDoesNotModifyLog(t *testing.T) {
	path := writeQueryLog(t)
	if _, err := Query(path, Filter{Actor: "alice"}); err != nil {
		t.Fatal(err)
	}
	if r := Verify(path); !r.Valid || r.Lines != 5 {
		t.Fatalf("log changed by query: %+v", r)
	}
}

func TestFormatTable(t *testing.T) {
	path := writeQueryLog(t)
	res, _ := Query(path, Filter{})
	out := FormatTable(res)
	if !strings.Contains(out, "edge-1") || !strings.Contains(out, "Summary: 5 total") {
		t.Errorf("unexpected table:\n%s", out)
	}
	if FormatTable(&QueryResult{}) != "No audit entries matched.\n" {
		t.Error("unexpected empty rendering")
	}
}
