// Command dbflowctl inspects and drives dbflow tickets through the server's HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nomis52/dbflow/buildinfo"
	"github.com/nomis52/dbflow/ticket"
)

const (
	defaultServer  = "http://localhost:8080"
	defaultTimeout = 30 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli holds the settings shared by every subcommand.
type cli struct {
	v *viper.Viper
}

func (c *cli) client() *apiClient {
	return newAPIClient(c.v.GetString("server"), c.v.GetDuration("timeout"))
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	root := &cobra.Command{
		Use:           "dbflowctl",
		Short:         "Inspect and drive dbflow tickets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("server", defaultServer, "dbflow server URL")
	root.PersistentFlags().Duration("timeout", defaultTimeout, "request timeout")
	root.PersistentFlags().String("operator", os.Getenv("USER"), "operator name recorded on callbacks")
	root.PersistentFlags().Bool("json", false, "output JSON")
	_ = c.v.BindPFlags(root.PersistentFlags())

	c.v.SetEnvPrefix("DBFLOW")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root.AddCommand(c.ticketCmd(), c.runCmd(), c.versionCmd())
	return root
}

func (c *cli) ticketCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ticket", Short: "Manage tickets"}
	cmd.AddCommand(
		c.ticketCreateCmd(),
		c.ticketListCmd(),
		c.ticketGetCmd(),
		c.ticketApproveCmd(),
		c.ticketActionCmd("continue", "Resume a ticket waiting on a pause", func(operator string) any {
			return map[string]string{"operator": operator}
		}),
		c.ticketActionCmd("retry", "Retry the failed flow of a ticket", func(string) any { return nil }),
		c.ticketActionCmd("terminate", "Terminate a ticket", func(operator string) any {
			return map[string]string{"operator": operator}
		}),
	)
	return cmd
}

func (c *cli) ticketCreateCmd() *cobra.Command {
	var (
		req     ticket.CreateRequest
		tt      string
		details string
	)
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create a ticket",
		Example: `  dbflowctl ticket create --type mysql_install --biz-id 3 --details '{"version":"8.0.36","count":2}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = ticket.TicketType(tt)
			if req.Requester == "" {
				req.Requester = c.v.GetString("operator")
			}
			if details != "" {
				if !json.Valid([]byte(details)) {
					return fmt.Errorf("--details is not valid JSON")
				}
				req.Details = json.RawMessage(details)
			}
			t, err := c.client().CreateTicket(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.printTicket(cmd, t)
		},
	}
	cmd.Flags().StringVar(&tt, "type", "", "ticket type")
	cmd.Flags().StringVar(&req.Requester, "requester", "", "requester, defaults to --operator")
	cmd.Flags().Int64Var(&req.BizID, "biz-id", 0, "business id")
	cmd.Flags().Int64SliceVar(&req.ClusterIDs, "cluster-id", nil, "target cluster ids")
	cmd.Flags().StringVar(&details, "details", "", "ticket details as JSON")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func (c *cli) ticketListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			tickets, err := c.client().Tickets(cmd.Context(), status)
			if err != nil {
				return err
			}
			if c.v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), tickets)
			}
			renderTickets(cmd.OutOrStdout(), tickets)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func (c *cli) ticketGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <ticket-id>",
		Short: "Show a ticket and its flows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := c.client().Ticket(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printTicket(cmd, t)
		},
	}
}

func (c *cli) ticketApproveCmd() *cobra.Command {
	var reject bool
	cmd := &cobra.Command{
		Use:   "approve <ticket-id>",
		Short: "Approve (or with --reject, reject) a ticket waiting on approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator := c.v.GetString("operator")
			if operator == "" {
				return fmt.Errorf("--operator is required")
			}
			t, err := c.client().TicketAction(cmd.Context(), args[0], "approval", map[string]any{
				"approved": !reject,
				"operator": operator,
			})
			if err != nil {
				return err
			}
			return c.printTicket(cmd, t)
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	return cmd
}

func (c *cli) ticketActionCmd(action, short string, body func(operator string) any) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <ticket-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := c.client().TicketAction(cmd.Context(), args[0], action, body(c.v.GetString("operator")))
			if err != nil {
				return err
			}
			return c.printTicket(cmd, t)
		},
	}
}

func (c *cli) runCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "Inspect pipeline runs"}

	get := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run and its nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := c.client().Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), run)
			}
			renderRun(cmd.OutOrStdout(), run)
			return nil
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := c.client().Runs(cmd.Context())
			if err != nil {
				return err
			}
			if c.v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			renderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.AddCommand(get, list)
	return cmd
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and server versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			local := buildinfo.Get()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client: %s (commit %s, built %s)\n", local.Version, local.GitCommit, local.BuildTime)

			health, err := c.client().Health(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "server: unavailable (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "server: %s (commit %s, built %s)\n", health.Build.Version, health.Build.GitCommit, health.Build.BuildTime)
			return nil
		},
	}
}

func (c *cli) printTicket(cmd *cobra.Command, t *ticket.Ticket) error {
	if c.v.GetBool("json") {
		return printJSON(cmd.OutOrStdout(), t)
	}
	renderTicket(cmd.OutOrStdout(), t)
	return nil
}
