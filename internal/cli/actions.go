package cli

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tiergate/internal/remediation"
)

var (
	actionsWatch   bool
	actionsAll     bool
	actionsCatalog string
	actionParams   []string
)

func init() {
	rootCmd.AddCommand(actionsCmd)
	actionsCmd.AddCommand(actionsSeedCmd)
	actionsCmd.AddCommand(actionsListCmd)
	actionsCmd.AddCommand(actionsDisableCmd)
	actionsCmd.AddCommand(actionsResolveCmd)
	actionsCmd.AddCommand(actionsRunCmd)

	actionsSeedCmd.Flags().StringVar(&actionsCatalog, "catalog", "", "Catalog file (default paths.catalog)")
	actionsSeedCmd.Flags().BoolVar(&actionsWatch, "watch", false, "Keep running and re-seed whenever the catalog changes")
	actionsListCmd.Flags().BoolVar(&actionsAll, "all", false, "Include disabled actions")
	for _, c := range []*cobra.Command{actionsResolveCmd, actionsRunCmd} {
		c.Flags().StringArrayVarP(&actionParams, "param", "p", nil, "Action parameter as name=value (repeatable)")
	}
	addIdentityFlags(actionsRunCmd)
}

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Manage the remediation action catalog",
	Long: `Remediation actions are named, parameterized commands. The catalog is
seeded from YAML into the node database; running an action renders its
template and passes the result through the gateway, so the caller's tier
must cover the action's required tier.`,
}

var actionsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the catalog file into the registry",
	RunE:  runActionsSeed,
}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog actions",
	RunE:  runActionsList,
}

var actionsDisableCmd = &cobra.Command{
	Use:   "disable [action-id]",
	Short: "Disable an action until the next seed re-enables it",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsDisable,
}

var actionsResolveCmd = &cobra.Command{
	Use:   "resolve [action-id]",
	Short: "Render an action without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsResolve,
}

var actionsRunCmd = &cobra.Command{
	Use:   "run [action-id]",
	Short: "Run an action through the gateway",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsRun,
}

func withActions(ctx context.Context, fn func(*env, *remediation.Registry) error) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	var db *sql.DB
	if db, err = e.openDB(ctx); err != nil {
		return err
	}
	defer db.Close()
	return fn(e, e.actions(db))
}

func parseParams(kv []string) (map[string]string, error) {
	params := make(map[string]string, len(kv))
	for _, p := range kv {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q (want name=value)", p)
		}
		params[name] = value
	}
	return params, nil
}

func printUpsert(rep *remediation.UpsertReport) {
	fmt.Printf("Catalog %s: %d inserted, %d updated", rep.Version, rep.Inserted, rep.Updated)
	if len(rep.Disabled) > 0 {
		fmt.Printf(", disabled %s", strings.Join(rep.Disabled, ", "))
	}
	fmt.Println()
}

func runActionsSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withActions(ctx, func(e *env, reg *remediation.Registry) error {
		path := actionsCatalog
		if path == "" {
			path = e.cfg.Paths.Catalog
		}
		if !actionsWatch {
			c, err := remediation.LoadCatalog(path)
			if err != nil {
				return err
			}
			rep, err := reg.Upsert(ctx, c)
			if err != nil {
				return err
			}
			printUpsert(rep)
			return nil
		}

		w, err := remediation.NewWatcher(reg, path, e.logger)
		if err != nil {
			return err
		}
		rep, err := w.Seed(ctx)
		if err != nil {
			return err
		}
		printUpsert(rep)
		e.logger.Info("watching catalog", "path", path)
		return w.Run(ctx)
	})
}

func runActionsList(cmd *cobra.Command, args []string) error {
	return withActions(cmd.Context(), func(e *env, reg *remediation.Registry) error {
		actions, err := reg.List(cmd.Context(), actionsAll)
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			fmt.Println("No actions. Run 'tiergate actions seed'.")
			return nil
		}
		fmt.Printf("%-22s %-10s %-6s %-8s %s\n", "ID", "TIER", "RISK", "ENABLED", "COMMAND")
		for _, a := range actions {
			fmt.Printf("%-22s %-10s %-6s %-8t %s\n", a.ID, a.RequiredTier, a.Risk, a.Enabled, a.CommandTemplate)
		}
		return nil
	})
}

func runActionsDisable(cmd *cobra.Command, args []string) error {
	return withActions(cmd.Context(), func(e *env, reg *remediation.Registry) error {
		if err := reg.Disable(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Disabled %s\n", args[0])
		return nil
	})
}

func runActionsResolve(cmd *cobra.Command, args []string) error {
	params, err := parseParams(actionParams)
	if err != nil {
		return err
	}
	return withActions(cmd.Context(), func(e *env, reg *remediation.Registry) error {
		res, err := reg.Resolve(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}
		fmt.Printf("%s (requires %s, risk %s)\n", res.Command, res.RequiredTier, res.Risk)
		return nil
	})
}

func runActionsRun(cmd *cobra.Command, args []string) error {
	params, err := parseParams(actionParams)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	return withActions(ctx, func(e *env, reg *remediation.Registry) error {
		req, err := gateRequest(e, "")
		if err != nil {
			return err
		}
		gw, err := e.gateway(reg)
		if err != nil {
			return err
		}
		res, err := gw.HandleAction(ctx, req, args[0], params)
		return writeResult(res, err)
	})
}
