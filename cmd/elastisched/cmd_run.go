/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/friendsincode/elastisched/internal/schedule"
	"github.com/friendsincode/elastisched/internal/scheduler"
	"github.com/friendsincode/elastisched/internal/storage"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler once",
	Long:  "Expand every stored recurrence over the lookahead window, place the occurrences and commit the result",
	RunE:  runSchedule,
}

var (
	runLookahead     time.Duration
	runGranularity   int
	runTimezone      string
	runExcludeActive bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().DurationVar(&runLookahead, "lookahead", 0, "Lookahead window (default from configuration)")
	runCmd.Flags().IntVar(&runGranularity, "granularity", 0, "Placement granularity in minutes (default from configuration)")
	runCmd.Flags().StringVar(&runTimezone, "timezone", "", "IANA timezone for the week anchor and output")
	runCmd.Flags().BoolVar(&runExcludeActive, "exclude-active", false, "Skip occurrences already under way")
}

func runSchedule(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	svc, cleanup, err := openScheduler()
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := storage.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("export store: %w", err)
	}
	if store != nil {
		svc.OnSuccess(schedule.NewExportService(svc, store, nil, "", logger).Publish)
	}

	includeActive := !runExcludeActive
	res, err := svc.RunSchedule(cmd.Context(), scheduler.RunRequest{
		GranularityMinutes: runGranularity,
		Lookahead:          runLookahead,
		UserTimezone:       runTimezone,
		IncludeActive:      &includeActive,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scheduled %d jobs into %d segments over %s\n", res.Jobs, res.Segments, res.Window)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTART\tEND\tSEGMENT")
	for _, occ := range res.Occurrences {
		if occ.Realized == nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			occ.Blob.Name(),
			occ.Realized.Start().Format(time.RFC3339),
			occ.Realized.End().Format(time.RFC3339),
			occ.SegmentIndex,
		)
	}
	return w.Flush()
}
