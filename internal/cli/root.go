// Package cli implements the tiergate command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tiergate/internal/alert"
	"github.com/ppiankov/tiergate/internal/audit"
	"github.com/ppiankov/tiergate/internal/config"
	"github.com/ppiankov/tiergate/internal/gateway"
	"github.com/ppiankov/tiergate/internal/logging"
)

// Exit codes.
const (
	exitDenied = 77 // gateway refused the request
	exitConfig = 78 // EX_CONFIG
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "tiergate",
	Short:         "Tiered remote access and safe config changes for managed nodes",
	Long:          "Decides who may run what on a node, for how long, and how configuration\nchanges are verified and undone. Every decision is written to a\nhash-chained audit log.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default $TIERGATE_CONFIG or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}

// Execute runs the root command and exits with the mapped status.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	code := exitCode(err)
	if err != nil {
		var ee *exitError
		if !errors.As(err, &ee) || ee.msg != "" {
			fmt.Fprintf(os.Stderr, "tiergate: %v\n", err)
		}
	}
	os.Exit(code)
}

// exitError carries an explicit exit status.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.msg
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var denied *gateway.DeniedError
	if errors.As(err, &denied) {
		return exitDenied
	}
	if errors.Is(err, config.ErrInvalid) {
		return exitConfig
	}
	return 1
}

// env is what most commands need: the loaded config, a logger, the audit
// log, and the alert dispatcher.
type env struct {
	cfg    *config.Config
	hash   string
	logger *slog.Logger
	audit  *audit.Log
	alerts *alert.Dispatcher
}

func loadConfig() (*config.Config, string, error) {
	cfg, hash, err := config.LoadWithHash(config.Resolve(configPath))
	if err != nil {
		return nil, "", err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, hash, nil
}

func openEnv() (*env, error) {
	cfg, hash, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: log: %v", config.ErrInvalid, err)
	}
	log, err := audit.Open(cfg.Paths.AuditLog)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:    cfg,
		hash:   hash,
		logger: logger,
		audit:  log,
		alerts: alert.NewDispatcher(cfg.Alerts, logger),
	}, nil
}

// Close flushes pending alerts and closes the audit log.
func (e *env) Close() {
	if e.alerts != nil {
		e.alerts.Wait()
	}
	e.audit.Close()
}

// actor names the local operator for audit entries.
func actor() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}

// maxInput bounds tokens and candidate files read from stdin.
const maxInput = 1 << 20

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxInput))
}
