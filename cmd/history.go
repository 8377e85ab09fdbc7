package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent update passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts.settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			passes, err := store.ListPasses(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(passes)
			}

			if len(passes) == 0 {
				fmt.Fprintln(out, "No update passes recorded")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tSTARTED\tDURATION\tOUTCOME\tPACKAGES\tERROR")
			for _, p := range passes {
				duration := "-"
				if !p.FinishedAt.IsZero() {
					duration = p.FinishedAt.Sub(p.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\t%d\t%s\n",
					shortID(p.ID), p.Version, p.Platform, humanize.Time(p.StartedAt),
					duration, p.Outcome, p.Packages, p.Error)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of passes to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print passes as JSON")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
