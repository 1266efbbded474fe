package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tiergate/internal/node"
	"github.com/ppiankov/tiergate/internal/pipeline"
)

var (
	heartbeatStatus string
	nodeMaxSilence  time.Duration
)

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.AddCommand(nodeRegisterCmd)
	nodeCmd.AddCommand(nodeHeartbeatCmd)
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeSweepCmd)

	nodeHeartbeatCmd.Flags().StringVar(&heartbeatStatus, "status", "", "Report this status instead of running probes (healthy, degraded, offline, unknown)")
	nodeSweepCmd.Flags().DurationVar(&nodeMaxSilence, "max-silence", 5*time.Minute, "Mark nodes offline after this long without a heartbeat")
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Register managed nodes and track their liveness",
}

var nodeRegisterCmd = &cobra.Command{
	Use:   "register [id] [address]",
	Short: "Register a node (default this node)",
	Args:  cobra.RangeArgs(0, 2),
	RunE:  runNodeRegister,
}

var nodeHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat [id]",
	Short: "Report liveness; status comes from the probes unless --status is set",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runNodeHeartbeat,
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered nodes",
	RunE:  runNodeList,
}

var nodeSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark nodes that stopped reporting as offline",
	RunE:  runNodeSweep,
}

func withNodes(ctx context.Context, fn func(*env, *node.Registry) error) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	db, err := e.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(e, node.NewRegistry(db))
}

func runNodeRegister(cmd *cobra.Command, args []string) error {
	return withNodes(cmd.Context(), func(e *env, reg *node.Registry) error {
		id, addr := e.cfg.Node.ID, e.cfg.Node.Address
		if len(args) > 0 {
			id = args[0]
		}
		if len(args) > 1 {
			addr = args[1]
		}
		n, err := reg.Register(cmd.Context(), id, addr)
		if err != nil {
			return err
		}
		fmt.Printf("Registered %s at %s (%s)\n", n.ID, n.Address, n.Status)
		return nil
	})
}

// probeStatus is degraded when any configured probe fails.
func (e *env) probeStatus(ctx context.Context) (node.Status, error) {
	var probes []pipeline.Probe
	for _, name := range targetNames(e.cfg) {
		t, err := e.target(name)
		if err != nil {
			return node.StatusUnknown, err
		}
		probes = append(probes, t.Probes...)
	}
	fw, err := e.firewallProbes()
	if err != nil {
		return node.StatusUnknown, err
	}
	probes = append(probes, fw...)
	if len(probes) == 0 {
		return node.StatusUnknown, nil
	}
	if _, ok := pipeline.RunProbes(ctx, probes); !ok {
		return node.StatusDegraded, nil
	}
	return node.StatusHealthy, nil
}

func runNodeHeartbeat(cmd *cobra.Command, args []string) error {
	return withNodes(cmd.Context(), func(e *env, reg *node.Registry) error {
		id := e.cfg.Node.ID
		if len(args) == 1 {
			id = args[0]
		}
		var status node.Status
		var err error
		if heartbeatStatus != "" {
			status, err = node.ParseStatus(heartbeatStatus)
		} else {
			status, err = e.probeStatus(cmd.Context())
		}
		if err != nil {
			return err
		}
		if err := reg.Heartbeat(cmd.Context(), id, status); err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", id, status)
		return nil
	})
}

func runNodeList(cmd *cobra.Command, args []string) error {
	return withNodes(cmd.Context(), func(e *env, reg *node.Registry) error {
		nodes, err := reg.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			fmt.Println("No nodes registered.")
			return nil
		}
		fmt.Printf("%-20s %-22s %-9s %s\n", "ID", "ADDRESS", "STATUS", "LAST SEEN")
		for _, n := range nodes {
			fmt.Printf("%-20s %-22s %-9s %s\n", n.ID, n.Address, n.Status, n.LastSeen.Format(time.RFC3339))
		}
		return nil
	})
}

func runNodeSweep(cmd *cobra.Command, args []string) error {
	return withNodes(cmd.Context(), func(e *env, reg *node.Registry) error {
		n, err := reg.MarkStale(cmd.Context(), nodeMaxSilence)
		if err != nil {
			return err
		}
		fmt.Printf("Marked %d node(s) offline\n", n)
		return nil
	})
}
