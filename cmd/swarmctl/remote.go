package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/botswarm/internal/control"
)

const callTimeout = 30 * time.Second

func withClient(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, c *control.Client) error) error {
	addr, err := opts.controlAddr()
	if err != nil {
		return err
	}
	client, conn, err := control.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	return fn(ctx, client)
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	flags := &swarmFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a swarm on swarmd; unset flags use the daemon's config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			values, err := flags.values(cmd)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *control.Client) error {
				id, err := c.Start(ctx, values)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <swarm-id>",
		Short: "Stop a swarm and print its final status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *control.Client) error {
				st, err := c.Stop(ctx, args[0])
				if err != nil {
					return err
				}
				return writeStatuses(cmd.OutOrStdout(), []map[string]any{st})
			})
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <swarm-id>",
		Short: "Show a swarm's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *control.Client) error {
				st, err := c.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				return writeStatuses(cmd.OutOrStdout(), []map[string]any{st})
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full status document as JSON")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List swarms known to swarmd",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *control.Client) error {
				list, err := c.List(ctx)
				if err != nil {
					return err
				}
				return writeStatuses(cmd.OutOrStdout(), list)
			})
		},
	}
}

func newPauseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <swarm-id>",
		Short: "Hold session creation and reconnects; live bots keep playing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *control.Client) error {
				st, err := c.Pause(ctx, args[0])
				if err != nil {
					return err
				}
				return writeStatuses(cmd.OutOrStdout(), []map[string]any{st})
			})
		},
	}
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <swarm-id>",
		Short: "Resume a paused swarm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *control.Client) error {
				st, err := c.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return writeStatuses(cmd.OutOrStdout(), []map[string]any{st})
			})
		},
	}
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <swarm-id>",
		Aliases: []string{"remove"},
		Short:   "Forget a stopped swarm on swarmd",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *control.Client) error {
				if err := c.Remove(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return err
			})
		},
	}
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <swarm-id> <message...>",
		Short: "Make every active bot of a swarm send a chat line",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := strings.Join(args[1:], " ")
			return withClient(cmd, opts, func(ctx context.Context, c *control.Client) error {
				sent, failed, err := c.Broadcast(ctx, args[0], msg)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "sent %d, failed %d\n", sent, failed)
				return err
			})
		},
	}
}

// writeStatuses renders status documents as a table, one swarm per row.
func writeStatuses(w io.Writer, statuses []map[string]any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tVERSION\tACTIVE\tREQUESTED\tATTEMPTS\tRUNNING\tPAUSED\tSTATES")
	for _, st := range statuses {
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%v\t%v\t%v\t%s\n",
			st["id"], st["target"], st["version"],
			st["active"], st["requested"], st["attempts"], st["running"], st["paused"],
			formatCounts(st["counts"]),
		)
	}
	return tw.Flush()
}

func formatCounts(v any) string {
	counts, ok := v.(map[string]any)
	if !ok || len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
