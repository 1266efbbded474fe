package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tiergate/internal/credential"
	"github.com/ppiankov/tiergate/internal/tier"
)

var (
	credIdentity string
	credTier     string
	credSession  string
	credOut      string
	credJSON     bool
	keygenForce  bool
)

func init() {
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(keygenCmd)
	credentialCmd.AddCommand(credentialIssueCmd)
	credentialCmd.AddCommand(credentialVerifyCmd)

	credentialIssueCmd.Flags().StringVar(&credIdentity, "identity", "", "Identity to issue for (required)")
	credentialIssueCmd.Flags().StringVar(&credTier, "tier", "diag", "Requested tier")
	credentialIssueCmd.Flags().StringVar(&credSession, "session", "", "Breakglass session backing an elevated credential")
	credentialIssueCmd.Flags().StringVarP(&credOut, "output", "o", "", "Write the token to this file instead of stdout")
	credentialIssueCmd.MarkFlagRequired("identity")

	credentialVerifyCmd.Flags().BoolVar(&credJSON, "json", false, "Print the verified credential as JSON")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Overwrite an existing keypair")
}

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Issue and verify short-lived access credentials",
}

var credentialIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a signed credential for an identity",
	Long: `Issues a credential carrying every principal up to the requested tier.
Diag and remediate credentials last credentials.standard_lifetime,
breakglass and root credentials.elevated_lifetime. With --session the
credential is bound to an effective breakglass session held by the same
identity and never outlives it.`,
	RunE: runCredentialIssue,
}

var credentialVerifyCmd = &cobra.Command{
	Use:   "verify [token-file]",
	Short: "Verify a credential (reads stdin when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCredentialVerify,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the credential signing keypair",
	RunE:  runKeygen,
}

func runCredentialIssue(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	t, err := tier.Parse(credTier)
	if err != nil {
		return err
	}
	iss, err := e.issuer()
	if err != nil {
		return err
	}

	var cred *credential.Credential
	if credSession != "" {
		m, err := e.sessions()
		if err != nil {
			return err
		}
		s, err := m.Get(credSession)
		if err != nil {
			return err
		}
		cred, err = iss.IssueForSession(cmd.Context(), credIdentity, t, s)
		if err != nil {
			return err
		}
	} else {
		cred, err = iss.Issue(cmd.Context(), credIdentity, t)
		if err != nil {
			return err
		}
	}

	if credOut != "" {
		if err := os.WriteFile(credOut, []byte(cred.Token+"\n"), 0600); err != nil {
			return fmt.Errorf("write token: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Credential %s for %s (%s) written to %s, expires %s\n",
			cred.ID, cred.Identity, cred.Highest(), credOut, cred.ExpiresAt.Format(time.RFC3339))
		return nil
	}
	fmt.Println(cred.Token)
	return nil
}

func runCredentialVerify(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = readAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	v, err := e.verifier()
	if err != nil {
		return err
	}
	cred, err := v.Verify(strings.TrimSpace(string(data)))
	if err != nil {
		return err
	}

	if credJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cred)
	}
	names := make([]string, len(cred.Tiers))
	for i, t := range cred.Tiers {
		names[i] = t.String()
	}
	fmt.Printf("ID:       %s\n", cred.ID)
	fmt.Printf("Identity: %s\n", cred.Identity)
	fmt.Printf("Tiers:    %s\n", strings.Join(names, ", "))
	fmt.Printf("Expires:  %s (in %s)\n", cred.ExpiresAt.Format(time.RFC3339), time.Until(cred.ExpiresAt).Round(time.Second))
	return nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	priv, pub := cfg.Credentials.SigningKey, cfg.Credentials.PublicKey
	if !keygenForce {
		if _, err := os.Stat(priv); err == nil {
			return fmt.Errorf("%s already exists (use --force to replace)", priv)
		}
	}
	public, private, err := credential.GenerateKeypair()
	if err != nil {
		return err
	}
	if err := credential.SaveKeypair(priv, pub, public, private); err != nil {
		return err
	}
	fmt.Printf("Signing key: %s\n", priv)
	fmt.Printf("Public key:  %s\n", pub)
	return nil
}
