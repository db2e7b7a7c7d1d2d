package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/csai/fleetdash/internal/chatlog"
	"github.com/csai/fleetdash/internal/health"
	"github.com/csai/fleetdash/internal/registry"
)

func newDiscoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Scan the container runtime once and print the report as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.load(cmd, false)
			if err != nil {
				return err
			}
			defer app.Close()
			rep, err := app.Discovery.Discover(cmd.Context())
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var noColor bool
	cmd := &cobra.Command{
		Use:   "check [instance-id]",
		Short: "Probe one or every registered instance and print a status table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.load(cmd, false)
			if err != nil {
				return err
			}
			defer app.Close()

			var results []health.Result
			if len(args) == 1 {
				res, err := app.Health.Check(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("check %s: %w", args[0], err)
				}
				results = append(results, res)
			} else {
				for _, res := range app.Health.CheckAll(cmd.Context()) {
					results = append(results, res)
				}
			}
			sort.Slice(results, func(i, j int) bool { return results[i].InstanceID < results[j].InstanceID })

			names := map[string]string{}
			for _, inst := range app.Registry.List() {
				names[inst.ID] = inst.Name
			}
			return writeStatusTable(cmd.OutOrStdout(), results, names, !noColor)
		},
	}
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable coloured status output")
	return cmd
}

func writeStatusTable(out io.Writer, results []health.Result, names map[string]string, colored bool) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tLATENCY\tERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%s\n", r.InstanceID, names[r.InstanceID], statusLabel(r.Status, colored), r.LatencyMs, r.Error)
	}
	return w.Flush()
}

func statusLabel(st registry.Status, colored bool) string {
	if !colored {
		return string(st)
	}
	var c *color.Color
	switch st {
	case registry.StatusOnline:
		c = color.New(color.FgGreen, color.Bold)
	case registry.StatusOffline:
		c = color.New(color.FgYellow)
	case registry.StatusError:
		c = color.New(color.FgRed, color.Bold)
	default:
		c = color.New(color.FgWhite)
	}
	c.EnableColor()
	return c.Sprint(st)
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <instance-id>",
		Short: "Write an instance's chat history to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := chatlog.ParseFormat(format)
			if err != nil {
				return err
			}
			app, err := opts.load(cmd, false)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Chat.Export(cmd.Context(), args[0], f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "export format: json or txt")
	return cmd
}
