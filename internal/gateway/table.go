package gateway

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ppiankov/tiergate/internal/tier"
)

// CommandSpec describes one allowlisted base command.
type CommandSpec struct {
	// MinTier is the lowest tier at which any form of the command is
	// accepted. It drives the verb hint.
	MinTier tier.Tier
	// Validate inspects the arguments and returns the tier this exact
	// invocation requires, or an error if no tier may run it.
	Validate func(args []string) (tier.Tier, error)
	// Rewrite, when set, produces the argv actually executed.
	Rewrite func(args []string) []string
	// Forms describe the invocations each tier gains. Without forms the
	// hint shows the bare base command from MinTier up.
	Forms []Form
}

// Form is one usage line shown in the verb hint.
type Form struct {
	Tier  tier.Tier
	Usage string
}

// TableConfig parameterises the node-specific parts of the table.
type TableConfig struct {
	Services           []string
	DependencyServices []string
	ComposeProject     string
	RedisHost          string
	// DenyPaths are directory prefixes that are never readable, such as
	// the credential and trust directories.
	DenyPaths []string
}

// Table maps a base command to its spec.
type Table map[string]CommandSpec

var errNotAllowed = errors.New("not permitted")

var (
	unitPattern      = regexp.MustCompile(`^[A-Za-z0-9@._-]+$`)
	containerPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	ssFlagPattern    = regexp.MustCompile(`^-[tulnpas]+$`)
	readRoots        = []string{"/var/log/", "/etc/caddy/", "/etc/nginx/", "/etc/redis/", "/etc/systemd/", "/etc/docker/"}
	readFiles        = []string{"/etc/hosts", "/etc/hostname", "/etc/resolv.conf", "/etc/os-release", "/etc/nftables.conf"}
	alwaysDenied     = []string{"/etc/tiergate/", "/etc/ssh/", "/etc/ssl/private/"}
	secretNames      = []string{"shadow", "shadow-", "gshadow", "gshadow-", "passwd-"}
	secretSuffixes   = []string{"_key", ".key", ".pem", ".p12", ".pfx"}

	// rootServices carry remote access itself.
	rootServices = map[string]bool{"ssh": true, "sshd": true}
)

// NewTable builds the command table for a node.
func NewTable(cfg TableConfig) Table {
	services := setOf(cfg.Services)
	deps := setOf(cfg.DependencyServices)
	project := cfg.ComposeProject
	if project == "" {
		project = "stack"
	}
	redisHost := cfg.RedisHost
	read := readPolicy{deny: append(append([]string(nil), alwaysDenied...), cfg.DenyPaths...)}

	return Table{
		"uptime":     {MinTier: tier.Diag, Validate: flagsOnly("-p")},
		"hostname":   {MinTier: tier.Diag, Validate: flagsOnly()},
		"date":       {MinTier: tier.Diag, Validate: flagsOnly("-u")},
		"whoami":     {MinTier: tier.Diag, Validate: flagsOnly()},
		"uname":      {MinTier: tier.Diag, Validate: flagsOnly("-a", "-r", "-m")},
		"free":       {MinTier: tier.Diag, Validate: flagsOnly("-h", "-m", "-g")},
		"df":         {MinTier: tier.Diag, Validate: flagsOnly("-h", "-i", "-T")},
		"ps":         {MinTier: tier.Diag, Validate: flagsOnly("aux", "-ef")},
		"ss":         {MinTier: tier.Diag, Validate: validateSS},
		"ip":         {MinTier: tier.Diag, Validate: validateIP},
		"cat":        {MinTier: tier.Diag, Validate: read.validate(false)},
		"head":       {MinTier: tier.Diag, Validate: read.validate(true)},
		"tail":       {MinTier: tier.Diag, Validate: read.validate(true)},
		"journalctl": {MinTier: tier.Diag, Validate: validateJournal},
		"systemctl": {
			MinTier:  tier.Diag,
			Validate: func(args []string) (tier.Tier, error) { return validateSystemctl(args, services, deps) },
			Forms: []Form{
				{tier.Diag, "systemctl status|is-active|is-failed <unit>"},
				{tier.Diag, "systemctl list-units|--failed"},
				{tier.Remediate, "systemctl restart|reload <service>"},
				{tier.Breakglass, "systemctl start|stop|restart|reload <service|dependency>"},
				{tier.Root, "systemctl restart|reload ssh|sshd"},
				{tier.Root, "systemctl daemon-reload"},
			},
		},
		"docker": {
			MinTier:  tier.Diag,
			Validate: validateDocker,
			Rewrite:  func(args []string) []string { return rewriteDocker(args, project) },
			Forms: []Form{
				{tier.Diag, "docker ps [-a]"},
				{tier.Diag, "docker stats --no-stream"},
				{tier.Diag, "docker logs [--tail N] <container>"},
				{tier.Diag, "docker compose ps|logs|config"},
				{tier.Remediate, "docker restart <container>"},
				{tier.Remediate, "docker compose restart"},
				{tier.Breakglass, "docker compose up|down|pull"},
			},
		},
		"redis-cli": {
			MinTier:  tier.Diag,
			Validate: validateRedis,
			Rewrite:  func(args []string) []string { return rewriteRedis(args, redisHost) },
			Forms: []Form{
				{tier.Diag, "redis-cli PING|DBSIZE|INFO|SLOWLOG GET"},
				{tier.Breakglass, "redis-cli FLUSHDB|FLUSHALL [ASYNC]"},
			},
		},
		"nft":   {MinTier: tier.Diag, Validate: exactly([]string{"list", "ruleset"})},
		"nginx": {MinTier: tier.Diag, Validate: exactly([]string{"-t"})},
		"caddy": {MinTier: tier.Diag, Validate: read.validateCaddy},
	}
}

// Verbs returns the sorted invocations available at tier t: usage forms
// where a command has them, the base command otherwise.
func (tb Table) Verbs(t tier.Tier) []string {
	var out []string
	for base, spec := range tb {
		if len(spec.Forms) == 0 {
			if t.AtLeast(spec.MinTier) {
				out = append(out, base)
			}
			continue
		}
		for _, f := range spec.Forms {
			if t.AtLeast(f.Tier) {
				out = append(out, f.Usage)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Lookup returns the required tier and the argv to execute for argv.
func (tb Table) Lookup(argv []string) (tier.Tier, []string, error) {
	if len(argv) == 0 {
		return tier.Invalid, nil, errNotAllowed
	}
	spec, ok := tb[argv[0]]
	if !ok {
		return tier.Invalid, nil, fmt.Errorf("%q is not an allowed command", argv[0])
	}
	args := argv[1:]
	required, err := spec.Validate(args)
	if err != nil {
		return tier.Invalid, nil, fmt.Errorf("%s: %w", argv[0], err)
	}
	if required < spec.MinTier {
		required = spec.MinTier
	}
	out := argv
	if spec.Rewrite != nil {
		out = append([]string{argv[0]}, spec.Rewrite(args)...)
	}
	return required, out, nil
}

func setOf(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

// flagsOnly accepts any subset of the listed arguments, each at most once.
func flagsOnly(allowed ...string) func([]string) (tier.Tier, error) {
	ok := setOf(allowed)
	return func(args []string) (tier.Tier, error) {
		seen := map[string]bool{}
		for _, a := range args {
			if !ok[a] || seen[a] {
				return tier.Invalid, fmt.Errorf("argument %q %w", a, errNotAllowed)
			}
			seen[a] = true
		}
		return tier.Diag, nil
	}
}

func exactly(want []string) func([]string) (tier.Tier, error) {
	return func(args []string) (tier.Tier, error) {
		if strings.Join(args, " ") != strings.Join(want, " ") {
			return tier.Invalid, fmt.Errorf("only %q is permitted", strings.Join(want, " "))
		}
		return tier.Diag, nil
	}
}

func validateSS(args []string) (tier.Tier, error) {
	for _, a := range args {
		if !ssFlagPattern.MatchString(a) {
			return tier.Invalid, fmt.Errorf("flag %q %w", a, errNotAllowed)
		}
	}
	return tier.Diag, nil
}

func validateIP(args []string) (tier.Tier, error) {
	if len(args) == 0 || len(args) > 2 {
		return tier.Invalid, fmt.Errorf("usage: ip addr|route|link [show]")
	}
	switch args[0] {
	case "a", "addr", "address", "r", "route", "l", "link":
	default:
		return tier.Invalid, fmt.Errorf("object %q %w", args[0], errNotAllowed)
	}
	if len(args) == 2 && args[1] != "show" {
		return tier.Invalid, fmt.Errorf("only show is permitted")
	}
	return tier.Diag, nil
}

// readPolicy decides which files cat, head and tail may open: log files
// and the managed services' config subtrees, never key material.
type readPolicy struct {
	deny []string
}

// validate covers cat, head and tail, with an optional -n count for head
// and tail.
func (rp readPolicy) validate(allowCount bool) func([]string) (tier.Tier, error) {
	return func(args []string) (tier.Tier, error) {
		files := 0
		for i := 0; i < len(args); i++ {
			a := args[i]
			if allowCount && a == "-n" {
				if i+1 >= len(args) || !isCount(args[i+1]) {
					return tier.Invalid, fmt.Errorf("-n needs a line count")
				}
				i++
				continue
			}
			if strings.HasPrefix(a, "-") {
				return tier.Invalid, fmt.Errorf("flag %q %w", a, errNotAllowed)
			}
			if err := rp.check(a); err != nil {
				return tier.Invalid, err
			}
			files++
		}
		if files == 0 {
			return tier.Invalid, fmt.Errorf("a log or service config file is required")
		}
		return tier.Diag, nil
	}
}

func (rp readPolicy) check(p string) error {
	if strings.Contains(p, "..") || strings.Contains(p, "//") || strings.Contains(p, "/./") {
		return fmt.Errorf("path %q must be clean", p)
	}
	for _, d := range rp.deny {
		if d == "" || d == "." || d == "/" {
			continue
		}
		d = strings.TrimSuffix(d, "/") + "/"
		if strings.HasPrefix(p, d) {
			return fmt.Errorf("path %q is protected", p)
		}
	}
	base := p[strings.LastIndex(p, "/")+1:]
	for _, n := range secretNames {
		if base == n {
			return fmt.Errorf("path %q is protected", p)
		}
	}
	for _, suf := range secretSuffixes {
		if strings.HasSuffix(base, suf) {
			return fmt.Errorf("path %q is protected", p)
		}
	}
	for _, f := range readFiles {
		if p == f {
			return nil
		}
	}
	for _, root := range readRoots {
		if strings.HasPrefix(p, root) && len(p) > len(root) && !strings.HasSuffix(p, "/") {
			return nil
		}
	}
	return fmt.Errorf("path %q is not a log or managed config file", p)
}

func isCount(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n > 0 && n <= 10000
}

func validateJournal(args []string) (tier.Tier, error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--no-pager":
		case "-u":
			if i+1 >= len(args) || !unitPattern.MatchString(args[i+1]) {
				return tier.Invalid, fmt.Errorf("-u needs a unit name")
			}
			i++
		case "-n":
			if i+1 >= len(args) || !isCount(args[i+1]) {
				return tier.Invalid, fmt.Errorf("-n needs a line count")
			}
			i++
		default:
			return tier.Invalid, fmt.Errorf("argument %q %w", args[i], errNotAllowed)
		}
	}
	return tier.Diag, nil
}

// validateSystemctl tiers sub-commands: inspection is diag, restarting an
// allowlisted service is remediate, touching a dependency service or
// stopping anything is breakglass, and reloading systemd or restarting
// sshd is root.
func validateSystemctl(args []string, services, deps map[string]bool) (tier.Tier, error) {
	if len(args) == 0 {
		return tier.Invalid, fmt.Errorf("a sub-command is required")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "status", "is-active", "is-failed":
		if len(rest) != 1 || !unitPattern.MatchString(rest[0]) {
			return tier.Invalid, fmt.Errorf("%s takes exactly one unit", sub)
		}
		return tier.Diag, nil
	case "list-units", "--failed":
		if len(rest) != 0 {
			return tier.Invalid, fmt.Errorf("%s takes no arguments", sub)
		}
		return tier.Diag, nil
	case "daemon-reload":
		if len(rest) != 0 {
			return tier.Invalid, fmt.Errorf("%s takes no arguments", sub)
		}
		return tier.Root, nil
	case "restart", "reload", "start", "stop":
		if len(rest) != 1 {
			return tier.Invalid, fmt.Errorf("%s takes exactly one service", sub)
		}
		svc := strings.TrimSuffix(rest[0], ".service")
		switch {
		case rootServices[svc] && (sub == "restart" || sub == "reload"):
			return tier.Root, nil
		case rootServices[svc]:
			return tier.Invalid, fmt.Errorf("%s %s %w", sub, svc, errNotAllowed)
		case services[svc] && (sub == "restart" || sub == "reload"):
			return tier.Remediate, nil
		case services[svc] || deps[svc]:
			return tier.Breakglass, nil
		}
		return tier.Invalid, fmt.Errorf("service %q is not managed", rest[0])
	}
	return tier.Invalid, fmt.Errorf("sub-command %q %w", sub, errNotAllowed)
}

func validateDocker(args []string) (tier.Tier, error) {
	if len(args) == 0 {
		return tier.Invalid, fmt.Errorf("a sub-command is required")
	}
	switch args[0] {
	case "ps":
		if len(args) > 2 || (len(args) == 2 && args[1] != "-a") {
			return tier.Invalid, fmt.Errorf("usage: docker ps [-a]")
		}
		return tier.Diag, nil
	case "stats":
		if len(args) != 2 || args[1] != "--no-stream" {
			return tier.Invalid, fmt.Errorf("usage: docker stats --no-stream")
		}
		return tier.Diag, nil
	case "logs":
		return validateDockerLogs(args[1:])
	case "restart":
		if len(args) != 2 || !containerPattern.MatchString(args[1]) {
			return tier.Invalid, fmt.Errorf("usage: docker restart <container>")
		}
		return tier.Remediate, nil
	case "compose":
		return validateCompose(args[1:])
	}
	return tier.Invalid, fmt.Errorf("sub-command %q %w", args[0], errNotAllowed)
}

func validateDockerLogs(args []string) (tier.Tier, error) {
	names := 0
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--tail":
			if i+1 >= len(args) || !isCount(args[i+1]) {
				return tier.Invalid, fmt.Errorf("--tail needs a line count")
			}
			i++
		case containerPattern.MatchString(args[i]):
			names++
		default:
			return tier.Invalid, fmt.Errorf("argument %q %w", args[i], errNotAllowed)
		}
	}
	if names != 1 {
		return tier.Invalid, fmt.Errorf("usage: docker logs [--tail N] <container>")
	}
	return tier.Diag, nil
}

// validateCompose pins the project: callers may not pass -p, -f or any
// other global flag, and only a fixed set of sub-actions is accepted.
func validateCompose(args []string) (tier.Tier, error) {
	if len(args) == 0 {
		return tier.Invalid, fmt.Errorf("a compose sub-action is required")
	}
	for _, a := range args {
		if a == "-p" || a == "-f" || strings.HasPrefix(a, "--project") || strings.HasPrefix(a, "--file") {
			return tier.Invalid, fmt.Errorf("compose project and file are fixed")
		}
	}
	sub, rest := args[0], args[1:]
	for _, svc := range rest {
		if strings.HasPrefix(svc, "-") && !(sub == "up" && svc == "-d") && !(sub == "logs" && svc == "--no-color") {
			return tier.Invalid, fmt.Errorf("flag %q %w", svc, errNotAllowed)
		}
		if !strings.HasPrefix(svc, "-") && !containerPattern.MatchString(svc) {
			return tier.Invalid, fmt.Errorf("service %q is not a valid name", svc)
		}
	}
	switch sub {
	case "ps", "logs", "config":
		return tier.Diag, nil
	case "restart":
		return tier.Remediate, nil
	case "up", "down", "pull":
		return tier.Breakglass, nil
	}
	return tier.Invalid, fmt.Errorf("compose sub-action %q %w", sub, errNotAllowed)
}

func rewriteDocker(args []string, project string) []string {
	if len(args) > 0 && args[0] == "compose" {
		out := []string{"compose", "-p", project}
		out = append(out, args[1:]...)
		if len(args) > 1 && args[1] == "logs" {
			out = append(out, "--tail", "200")
		}
		return out
	}
	return args
}

func validateRedis(args []string) (tier.Tier, error) {
	if len(args) == 0 {
		return tier.Invalid, fmt.Errorf("interactive redis-cli is not permitted")
	}
	cmd := strings.ToUpper(args[0])
	rest := args[1:]
	switch cmd {
	case "PING", "DBSIZE":
		if len(rest) != 0 {
			return tier.Invalid, fmt.Errorf("%s takes no arguments", cmd)
		}
		return tier.Diag, nil
	case "INFO":
		if len(rest) > 1 {
			return tier.Invalid, fmt.Errorf("INFO takes at most one section")
		}
		return tier.Diag, nil
	case "SLOWLOG":
		if len(rest) != 1 || strings.ToUpper(rest[0]) != "GET" {
			return tier.Invalid, fmt.Errorf("only SLOWLOG GET is permitted")
		}
		return tier.Diag, nil
	case "FLUSHDB", "FLUSHALL":
		if len(rest) > 1 || (len(rest) == 1 && strings.ToUpper(rest[0]) != "ASYNC") {
			return tier.Invalid, fmt.Errorf("%s takes only ASYNC", cmd)
		}
		return tier.Breakglass, nil
	}
	return tier.Invalid, fmt.Errorf("redis command %q %w", args[0], errNotAllowed)
}

func rewriteRedis(args []string, host string) []string {
	if host == "" {
		return args
	}
	return append([]string{"-h", host}, args...)
}

func (rp readPolicy) validateCaddy(args []string) (tier.Tier, error) {
	if len(args) == 1 && args[0] == "version" {
		return tier.Diag, nil
	}
	if len(args) == 3 && args[0] == "validate" && args[1] == "--config" {
		if err := rp.check(args[2]); err != nil || !strings.HasPrefix(args[2], "/etc/caddy/") {
			return tier.Invalid, fmt.Errorf("config must be under /etc/caddy")
		}
		return tier.Diag, nil
	}
	return tier.Invalid, fmt.Errorf("usage: caddy version | caddy validate --config <path>")
}
