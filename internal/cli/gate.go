package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tiergate/internal/gateway"
	"github.com/ppiankov/tiergate/internal/tier"
)

// EnvToken carries a signed credential into gate and mcp.
const EnvToken = "TIERGATE_TOKEN"

var (
	gateTokenFile  string
	gateActor      string
	gateTier       string
	gatePrincipals []string
)

func init() {
	rootCmd.AddCommand(gateCmd)
	addIdentityFlags(gateCmd)
}

func addIdentityFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&gateTokenFile, "token-file", "", "Signed credential file (default $"+EnvToken+")")
	cmd.Flags().StringVar(&gateActor, "actor", "", "Identity when no credential is presented")
	cmd.Flags().StringVar(&gateTier, "tier", "", "Tier when no credential is presented")
	cmd.Flags().StringSliceVar(&gatePrincipals, "principals", nil, "Certificate principals, resolved through the trust config")
}

var gateCmd = &cobra.Command{
	Use:   "gate [-- command...]",
	Short: "Authorize and run one command (sshd ForceCommand entry point)",
	Long: `Reads the requested command from $SSH_ORIGINAL_COMMAND, or from the
arguments when run directly, and passes it through the gateway: shell
metacharacters are refused, the command is tokenized, checked against the
tier's allowlist and run without a shell. Exactly one audit entry is
written per invocation.

The caller's tier comes from, in order: a signed credential
(--token-file or $TIERGATE_TOKEN), certificate principals resolved
through the trust config (--principals), or --tier.

Exit code 77 means the request was refused.`,
	RunE: runGate,
}

// identity resolves who is asking and at which tier.
func (e *env) identity() (string, tier.Tier, error) {
	token := os.Getenv(EnvToken)
	if gateTokenFile != "" {
		data, err := os.ReadFile(gateTokenFile)
		if err != nil {
			return "", tier.Invalid, fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	if token != "" {
		v, err := e.verifier()
		if err != nil {
			return "", tier.Invalid, err
		}
		cred, err := v.Verify(token)
		if err != nil {
			return "", tier.Invalid, err
		}
		return cred.Identity, cred.Highest(), nil
	}

	who := gateActor
	if who == "" {
		who = actor()
	}
	if len(gatePrincipals) > 0 {
		t, err := e.principals(false).Resolve(gatePrincipals)
		if err != nil {
			return "", tier.Invalid, err
		}
		return who, t, nil
	}
	if gateTier == "" {
		return who, tier.Invalid, nil
	}
	t, err := tier.Parse(gateTier)
	if err != nil {
		return "", tier.Invalid, err
	}
	return who, t, nil
}

func gateRequest(e *env, command string) (gateway.Request, error) {
	who, t, err := e.identity()
	if err != nil {
		return gateway.Request{}, err
	}
	req := gateway.Request{
		Actor:   who,
		Node:    e.cfg.Node.ID,
		Tier:    t,
		Command: command,
		Method:  "cli",
	}
	if conn := os.Getenv("SSH_CONNECTION"); conn != "" {
		req.Method = "ssh"
		req.Source = strings.Fields(conn)[0]
	}
	return req, nil
}

func runGate(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	command, ok := os.LookupEnv("SSH_ORIGINAL_COMMAND")
	if !ok {
		command = strings.Join(args, " ")
	}
	req, err := gateRequest(e, command)
	if err != nil {
		return err
	}

	gw, err := e.gateway(nil)
	if err != nil {
		return err
	}
	res, err := gw.Handle(cmd.Context(), req)
	return writeResult(res, err)
}

// writeResult copies command output through and maps the exit status.
func writeResult(res *gateway.Result, err error) error {
	if err != nil {
		var denied *gateway.DeniedError
		if errors.As(err, &denied) {
			return denied
		}
		return err
	}
	os.Stdout.WriteString(res.Stdout)
	os.Stderr.WriteString(res.Stderr)
	if res.ExitCode != 0 {
		return &exitError{code: res.ExitCode}
	}
	return nil
}
