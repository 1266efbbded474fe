package pipeline

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ppiankov/tiergate/internal/config"
	"github.com/ppiankov/tiergate/internal/gateway"
)

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		url    string
		expect int
		want   Status
	}{
		{"ok", srv.URL + "/", 0, StatusPass},
		{"bad gateway", srv.URL + "/down", 0, StatusFail},
		{"expected 502", srv.URL + "/down", 502, StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &HTTPProbe{ProbeName: tt.name, URL: tt.url, Expect: tt.expect, Timeout: time.Second}
			if got := p.Check(context.Background()); got.Status != tt.want {
				t.Errorf("status = %s (%s)", got.Status, got.Message)
			}
		})
	}
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	p := &TCPProbe{ProbeName: "tcp", Address: addr, Timeout: time.Second}
	if got := p.Check(context.Background()); got.Status != StatusPass {
		t.Errorf("open port: %s", got.Line())
	}
	ln.Close()
	if got := p.Check(context.Background()); got.Status != StatusFail {
		t.Errorf("closed port: %s", got.Line())
	}
}

func TestDNSFailureIsWarning(t *testing.T) {
	p := &DNSProbe{
		ProbeName: "dns",
		Host:      "edge-1.example.invalid",
		Timeout:   time.Second,
		Resolver: &net.Resolver{
			PreferGo: true,
			Dial: func(context.Context, string, string) (net.Conn, error) {
				return nil, errors.New("resolver offline")
			},
		},
	}
	if got := p.Check(context.Background()); got.Status != StatusWarn {
		t.Errorf("status = %s", got.Line())
	}
}

func TestSystemdProbe(t *testing.T) {
	exec := &fakeExec{replies: map[string]*gateway.Output{
		"systemctl is-active caddy": {Stdout: "active\n"},
		"systemctl is-active nginx": {Stdout: "inactive\n", ExitCode: 3},
	}}
	if got := (&SystemdProbe{ProbeName: "caddy", Unit: "caddy", Exec: exec}).Check(context.Background()); got.Status != StatusPass {
		t.Errorf("caddy: %s", got.Line())
	}
	if got := (&SystemdProbe{ProbeName: "nginx", Unit: "nginx", Exec: exec}).Check(context.Background()); got.Status != StatusFail {
		t.Errorf("nginx: %s", got.Line())
	}
}

func TestRunProbesFailsOnlyOnFail(t *testing.T) {
	probes := []Probe{
		&fakeProbe{name: "a", statuses: []Status{StatusPass}},
		&fakeProbe{name: "b", statuses: []Status{StatusWarn}},
	}
	results, ok := RunProbes(context.Background(), probes)
	if !ok || len(results) != 2 {
		t.Errorf("warn must not fail the run: %+v", results)
	}
	probes = append(probes, &fakeProbe{name: "c", statuses: []Status{StatusFail}})
	if _, ok := RunProbes(context.Background(), probes); ok {
		t.Error("expected failure")
	}
}

func TestNewProbes(t *testing.T) {
	probes, err := NewProbes(config.DefaultConfig().Pipeline.Targets["proxy"].Probes, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(probes) != 2 || probes[0].Name() != "caddy-active" {
		t.Errorf("unexpected probes: %+v", probes)
	}
	if _, err := NewProbe(config.ProbeConfig{Kind: "icmp", Target: "1.1.1.1"}, nil); err == nil {
		t.Error("expected unknown kind error")
	}
}

func TestCommandService(t *testing.T) {
	exec := &fakeExec{replies: map[string]*gateway.Output{
		"caddy validate":         {},
		"systemctl reload caddy": {},
		"nginx -t":               {ExitCode: 1, Stderr: "nginx: [emerg] unexpected \"}\""},
	}}
	caddy, err := NewService("caddy", "", exec)
	if err != nil {
		t.Fatal(err)
	}
	if err := caddy.Validate(context.Background(), "/etc/caddy/Caddyfile"); err != nil {
		t.Fatal(err)
	}
	if exec.ran("caddy validate --config /etc/caddy/Caddyfile") != 1 {
		t.Errorf("path not substituted: %v", exec.calls)
	}
	if err := caddy.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	nginx, _ := NewService("nginx", "", exec)
	if err := nginx.Validate(context.Background(), "/etc/nginx/nginx.conf"); err == nil {
		t.Error("expected nginx -t failure")
	}
	if _, err := NewService("apache", "", exec); err == nil {
		t.Error("expected unknown kind error")
	}
}
