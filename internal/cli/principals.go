package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tiergate/internal/principal"
	"github.com/ppiankov/tiergate/internal/tier"
)

var principalsNoReload bool

func init() {
	rootCmd.AddCommand(principalsCmd)
	principalsCmd.AddCommand(principalsShowCmd)
	principalsCmd.AddCommand(principalsSyncCmd)
	principalsCmd.AddCommand(principalsTrustCmd)
	principalsCmd.AddCommand(principalsAddCmd)
	principalsCmd.AddCommand(principalsRemoveCmd)
	principalsCmd.AddCommand(principalsResolveCmd)
	principalsCmd.PersistentFlags().BoolVar(&principalsNoReload, "no-reload", false, "Do not reload sshd after a change")
}

var principalsCmd = &cobra.Command{
	Use:   "principals",
	Short: "Manage the SSH trust anchor and per-tier principals",
	Long: `Manages the files sshd consults for certificate logins:
trusted_ca.pub and one principals file per tier. Every change is
validated and sshd is reloaded; a change that fails either step is rolled
back to the previous files and alerted.`,
}

var principalsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the principals listed for each tier",
	RunE:  runPrincipalsShow,
}

var principalsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Write the default principals for tiers that have none",
	RunE:  runPrincipalsSync,
}

var principalsTrustCmd = &cobra.Command{
	Use:   "trust [ca.pub]",
	Short: "Install the CA public key sshd trusts for user certificates",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrincipalsTrust,
}

var principalsAddCmd = &cobra.Command{
	Use:   "add [tier] [principal]",
	Short: "Let a principal satisfy a tier and every tier above it",
	Args:  cobra.ExactArgs(2),
	RunE:  runPrincipalsEdit,
}

var principalsRemoveCmd = &cobra.Command{
	Use:   "remove [tier] [principal]",
	Short: "Remove a principal from a tier and every tier above it",
	Args:  cobra.ExactArgs(2),
	RunE:  runPrincipalsEdit,
}

var principalsResolveCmd = &cobra.Command{
	Use:   "resolve [principal...]",
	Short: "Show which tier a certificate with these principals reaches",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPrincipalsResolve,
}

func withPrincipals(fn func(*principal.FileRegistry) error) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e.principals(!principalsNoReload))
}

func runPrincipalsShow(cmd *cobra.Command, args []string) error {
	return withPrincipals(func(r *principal.FileRegistry) error {
		m, err := r.Mapping()
		if err != nil {
			return err
		}
		for _, t := range tier.All() {
			fmt.Printf("%-11s %s\n", t, strings.Join(m[t], " "))
		}
		if err := r.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		return nil
	})
}

func runPrincipalsSync(cmd *cobra.Command, args []string) error {
	return withPrincipals(func(r *principal.FileRegistry) error {
		written, err := r.Sync(cmd.Context())
		for _, t := range written {
			fmt.Printf("wrote %s principals\n", t)
		}
		if err != nil {
			return err
		}
		if len(written) == 0 {
			fmt.Println("All tiers already have principals files.")
		}
		return nil
	})
}

func runPrincipalsTrust(cmd *cobra.Command, args []string) error {
	key, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read CA key: %w", err)
	}
	return withPrincipals(func(r *principal.FileRegistry) error {
		if err := r.SetTrustAnchor(cmd.Context(), key); err != nil {
			return err
		}
		fmt.Printf("Trust anchor installed in %s\n", r.Dir())
		return nil
	})
}

func runPrincipalsEdit(cmd *cobra.Command, args []string) error {
	t, err := tier.Parse(args[0])
	if err != nil {
		return err
	}
	return withPrincipals(func(r *principal.FileRegistry) error {
		if cmd.Name() == "remove" {
			err = r.Remove(cmd.Context(), t, args[1])
		} else {
			err = r.Add(cmd.Context(), t, args[1])
		}
		if err != nil {
			return err
		}
		p, err := r.Principals(t)
		if err != nil {
			return err
		}
		fmt.Printf("%-11s %s\n", t, strings.Join(p, " "))
		return nil
	})
}

func runPrincipalsResolve(cmd *cobra.Command, args []string) error {
	return withPrincipals(func(r *principal.FileRegistry) error {
		t, err := r.Resolve(args)
		if err != nil {
			return err
		}
		if !t.Valid() {
			return &exitError{code: 1, msg: "no tier matches these principals"}
		}
		fmt.Println(t)
		return nil
	})
}
