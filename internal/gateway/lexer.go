package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

// metaSequences chain, substitute, or redirect under a shell. They are
// rejected on the raw string before any tokenizing happens. ">>" is listed
// for the reason it reports; ">" alone is caught by the charset.
var metaSequences = []string{">>", ";", "|", "&", "`", "$", "(", ")", "{", "}", "\n", "\r"}

// argPattern is the only shape an argument may take. Space is the
// separator and never part of an argument.
var argPattern = regexp.MustCompile(`^[A-Za-z0-9_./:=@,-]+$`)

// FindMeta returns the first shell metacharacter sequence in s, or "".
func FindMeta(s string) string {
	first, at := "", -1
	for _, m := range metaSequences {
		if i := strings.Index(s, m); i >= 0 && (at < 0 || i < at || (i == at && len(m) > len(first))) {
			first, at = m, i
		}
	}
	return first
}

// CheckArg validates a single argument against the gateway charset.
func CheckArg(arg string) error {
	if m := FindMeta(arg); m != "" {
		return fmt.Errorf("shell metacharacter %q not permitted", printable(m))
	}
	if !argPattern.MatchString(arg) {
		return fmt.Errorf("argument %q contains characters outside [A-Za-z0-9_./:=@,-]", arg)
	}
	return nil
}

// Tokenize splits a command line on whitespace and checks every token.
func Tokenize(command string) ([]string, error) {
	argv := strings.Fields(command)
	for _, a := range argv {
		if err := CheckArg(a); err != nil {
			return nil, err
		}
	}
	return argv, nil
}

func printable(m string) string {
	switch m {
	case "\n":
		return `\n`
	case "\r":
		return `\r`
	}
	return m
}
