package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/and161185/tgcollector/internal/collector"
)

func newFlushCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Flush every session queue into the message store once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := wireStorage(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer st.close()

			c := wireCollector(opts.cfg, st, nil, nil, opts.log)
			sum, err := c.FlushAll(ctx)
			if err != nil {
				return err
			}
			renderSummary(cmd.OutOrStdout(), sum)
			if len(sum.Failed) > 0 {
				return fmt.Errorf("%d queue(s) failed", len(sum.Failed))
			}
			return nil
		},
	}
}

func renderSummary(w io.Writer, sum collector.Summary) {
	fmt.Fprintf(w, "%s %d  %s %d  %s %d\n",
		color.CyanString("queues"), sum.Queues,
		color.GreenString("inserted"), sum.Inserted,
		color.BlueString("trimmed"), sum.Trimmed)
	if len(sum.Failed) == 0 {
		fmt.Fprintln(w, color.GreenString("ok"))
		return
	}
	keys := make([]string, 0, len(sum.Failed))
	for k := range sum.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s %s: %v\n", color.RedString("failed"), k, sum.Failed[k])
	}
}
