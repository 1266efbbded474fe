package pipeline

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/tiergate/internal/config"
	"github.com/ppiankov/tiergate/internal/gateway"
)

// DefaultProbeTimeout bounds a single probe.
const DefaultProbeTimeout = 5 * time.Second

// Status is a probe outcome.
type Status string

const (
	StatusPass Status = "PASS"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
)

// ProbeResult is one probe outcome and a human-readable line.
type ProbeResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Line renders the result the way healthcheck prints it.
func (r ProbeResult) Line() string {
	return fmt.Sprintf("%-4s %s: %s", r.Status, r.Name, r.Message)
}

func pass(name, format string, args ...any) ProbeResult {
	return ProbeResult{Name: name, Status: StatusPass, Message: fmt.Sprintf(format, args...)}
}

func warn(name, format string, args ...any) ProbeResult {
	return ProbeResult{Name: name, Status: StatusWarn, Message: fmt.Sprintf(format, args...)}
}

func fail(name, format string, args ...any) ProbeResult {
	return ProbeResult{Name: name, Status: StatusFail, Message: fmt.Sprintf(format, args...)}
}

// Probe is a post-apply health check.
type Probe interface {
	Name() string
	Check(ctx context.Context) ProbeResult
}

// HTTPProbe expects a status code from a GET.
type HTTPProbe struct {
	ProbeName string
	URL       string
	Expect    int
	Timeout   time.Duration
	Client    *http.Client
}

func (p *HTTPProbe) Name() string { return p.ProbeName }

func (p *HTTPProbe) Check(ctx context.Context) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(p.Timeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fail(p.ProbeName, "bad url: %v", err)
	}
	client := p.Client
	if client == nil {
		client = &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fail(p.ProbeName, "%s unreachable: %v", p.URL, err)
	}
	resp.Body.Close()

	expect := p.Expect
	if expect == 0 {
		expect = http.StatusOK
	}
	if resp.StatusCode != expect {
		return fail(p.ProbeName, "%s returned %d, want %d", p.URL, resp.StatusCode, expect)
	}
	return pass(p.ProbeName, "%s returned %d", p.URL, resp.StatusCode)
}

// TCPProbe expects a TCP connect to succeed.
type TCPProbe struct {
	ProbeName string
	Address   string
	Timeout   time.Duration
}

func (p *TCPProbe) Name() string { return p.ProbeName }

func (p *TCPProbe) Check(ctx context.Context) ProbeResult {
	d := net.Dialer{Timeout: timeoutOr(p.Timeout)}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fail(p.ProbeName, "connect %s: %v", p.Address, err)
	}
	conn.Close()
	return pass(p.ProbeName, "%s accepting connections", p.Address)
}

// DNSProbe resolves a name. Resolution failure is a warning: upstream DNS
// trouble is not caused by a config change on this node.
type DNSProbe struct {
	ProbeName string
	Host      string
	Timeout   time.Duration
	Resolver  *net.Resolver
}

func (p *DNSProbe) Name() string { return p.ProbeName }

func (p *DNSProbe) Check(ctx context.Context) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(p.Timeout))
	defer cancel()

	r := p.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupHost(ctx, p.Host)
	if err != nil {
		return warn(p.ProbeName, "resolve %s: %v", p.Host, err)
	}
	return pass(p.ProbeName, "%s resolves to %s", p.Host, strings.Join(addrs, ", "))
}

// SystemdProbe expects `systemctl is-active <unit>` to report active.
type SystemdProbe struct {
	ProbeName string
	Unit      string
	Exec      gateway.Executor
}

func (p *SystemdProbe) Name() string { return p.ProbeName }

func (p *SystemdProbe) Check(ctx context.Context) ProbeResult {
	exec := p.Exec
	if exec == nil {
		exec = gateway.ExecExecutor{}
	}
	out, err := exec.Run(ctx, []string{"systemctl", "is-active", p.Unit})
	if err != nil {
		return fail(p.ProbeName, "systemctl: %v", err)
	}
	state := strings.TrimSpace(out.Stdout)
	if state == "" {
		state = "unknown"
	}
	if out.ExitCode != 0 || (state != "active" && state != "activating") {
		return fail(p.ProbeName, "%s is %s", p.Unit, state)
	}
	return pass(p.ProbeName, "%s is %s", p.Unit, state)
}

// NewProbe builds a probe from its config entry.
func NewProbe(c config.ProbeConfig, exec gateway.Executor) (Probe, error) {
	name := c.Name
	if name == "" {
		name = c.Kind + ":" + c.Target
	}
	switch c.Kind {
	case "http":
		return &HTTPProbe{ProbeName: name, URL: c.Target, Expect: c.Expect, Timeout: c.Timeout}, nil
	case "tcp":
		return &TCPProbe{ProbeName: name, Address: c.Target, Timeout: c.Timeout}, nil
	case "dns":
		return &DNSProbe{ProbeName: name, Host: c.Target, Timeout: c.Timeout}, nil
	case "systemd":
		return &SystemdProbe{ProbeName: name, Unit: c.Target, Exec: exec}, nil
	default:
		return nil, fmt.Errorf("unknown probe kind %q", c.Kind)
	}
}

// NewProbes builds every probe in cs.
func NewProbes(cs []config.ProbeConfig, exec gateway.Executor) ([]Probe, error) {
	probes := make([]Probe, 0, len(cs))
	for _, c := range cs {
		p, err := NewProbe(c, exec)
		if err != nil {
			return nil, err
		}
		probes = append(probes, p)
	}
	return probes, nil
}

// RunProbes runs probes in order and reports whether none failed.
func RunProbes(ctx context.Context, probes []Probe) ([]ProbeResult, bool) {
	results := make([]ProbeResult, 0, len(probes))
	ok := true
	for _, p := range probes {
		r := p.Check(ctx)
		if r.Status == StatusFail {
			ok = false
		}
		results = append(results, r)
	}
	return results, ok
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultProbeTimeout
	}
	return d
}
