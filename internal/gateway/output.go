package gateway

import "regexp"

const redactPlaceholder = "[REDACTED]"

type secretPattern struct {
	re   *regexp.Regexp
	repl string
}

// secretPatterns match credential material that can show up when reading
// service config or logs. A key block cut by head or tail is hidden up to
// the end (or from the start) of the output.
var secretPatterns = []secretPattern{
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?(?:-----END [A-Z ]*PRIVATE KEY-----|\z)`), redactPlaceholder},
	{regexp.MustCompile(`(?s)\A.*?-----END [A-Z ]*PRIVATE KEY-----`), redactPlaceholder},
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`), redactPlaceholder},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-_.]{20,}`), redactPlaceholder},
	// key = value lines keep the key so the operator can see what was hidden
	{regexp.MustCompile(`(?im)^(\s*[A-Za-z_]*(?:password|passwd|secret|token|api_key)[A-Za-z_]*\s*[=:]\s*|\s*requirepass\s+).+$`), "${1}" + redactPlaceholder},
	{regexp.MustCompile(`\b[a-f0-9]{64,}\b`), redactPlaceholder},
}

// ScanOutput returns a redacted copy of command output and the number of
// secrets replaced.
func ScanOutput(output string) (string, int) {
	count := 0
	result := output
	for _, p := range secretPatterns {
		matches := p.re.FindAllString(result, -1)
		if len(matches) == 0 {
			continue
		}
		count += len(matches)
		result = p.re.ReplaceAllString(result, p.repl)
	}
	return result, count
}
