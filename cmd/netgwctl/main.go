// Command netgwctl is the operator-facing rule-management CLI, talking
// to a running netgatewayd over its control-plane unix socket. Its
// subcommand shape (rule set/rm/ls, stats, diag) follows the teacher's
// cmd/outline-ws/main.go add/list/connect/disconnect/status layout,
// applied to policy rules instead of upstream servers.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"netgatewayd/internal/controlapi"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "netgwctl",
	Short: "Control netgatewayd's policy rules and statistics",
}

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage allow/block policy rules",
}

var ruleSetCmd = &cobra.Command{
	Use:   "set (--uid N | --domain NAME) (allow|block)",
	Short: "Set a policy rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, _ := cmd.Flags().GetUint32("uid")
		hasUID := cmd.Flags().Changed("uid")
		domain, _ := cmd.Flags().GetString("domain")

		req := controlapi.Request{Op: controlapi.OpSetRule, Rule: normalizeDecision(args[0])}
		switch {
		case hasUID:
			req.UID = &uid
		case domain != "":
			req.Domain = &domain
		default:
			return fmt.Errorf("one of --uid or --domain is required")
		}

		client := controlapi.NewClient(socketPath)
		_, err := client.Call(req)
		return err
	},
}

var ruleRemoveCmd = &cobra.Command{
	Use:   "rm (--uid N | --domain NAME)",
	Short: "Remove a policy rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, _ := cmd.Flags().GetUint32("uid")
		hasUID := cmd.Flags().Changed("uid")
		domain, _ := cmd.Flags().GetString("domain")

		req := controlapi.Request{Op: controlapi.OpRemoveRule}
		switch {
		case hasUID:
			req.UID = &uid
		case domain != "":
			req.Domain = &domain
		default:
			return fmt.Errorf("one of --uid or --domain is required")
		}

		client := controlapi.NewClient(socketPath)
		_, err := client.Call(req)
		return err
	},
}

var ruleListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List configured policy rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := controlapi.NewClient(socketPath)
		resp, err := client.Call(controlapi.Request{Op: controlapi.OpListRules})
		if err != nil {
			return err
		}
		if len(resp.Rules) == 0 {
			fmt.Println("No rules configured")
			return nil
		}
		for _, r := range resp.Rules {
			switch {
			case r.UID != nil:
				fmt.Printf("uid=%d -> %s\n", *r.UID, r.Decision)
			case r.Domain != nil:
				fmt.Printf("domain=%s -> %s\n", *r.Domain, r.Decision)
			}
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway lifecycle status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := controlapi.NewClient(socketPath)
		resp, err := client.Call(controlapi.Request{Op: controlapi.OpStatus})
		if err != nil {
			return err
		}
		fmt.Printf("State: %s\n", resp.Status.State)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show gateway traffic and flow counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := controlapi.NewClient(socketPath)
		resp, err := client.Call(controlapi.Request{Op: controlapi.OpStats})
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var diagCmd = &cobra.Command{
	Use:   "diag [output-path]",
	Short: "Export a diagnostic report",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		client := controlapi.NewClient(socketPath)
		resp, err := client.Call(controlapi.Request{Op: controlapi.OpDiag, Path: path})
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(resp.Report, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func normalizeDecision(s string) string {
	switch s {
	case "allow", "ALLOW":
		return "ALLOW"
	case "block", "BLOCK":
		return "BLOCK"
	default:
		return s
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket",
		"/run/netgatewayd/control.sock", "control-plane unix socket path")

	ruleSetCmd.Flags().Uint32("uid", 0, "process UID to match")
	ruleSetCmd.Flags().String("domain", "", "exact domain name to match")
	ruleRemoveCmd.Flags().Uint32("uid", 0, "process UID to match")
	ruleRemoveCmd.Flags().String("domain", "", "exact domain name to match")

	ruleCmd.AddCommand(ruleSetCmd, ruleRemoveCmd, ruleListCmd)
	rootCmd.AddCommand(ruleCmd, statusCmd, statsCmd, diagCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
