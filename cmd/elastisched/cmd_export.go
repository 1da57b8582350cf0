/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/friendsincode/elastisched/internal/recurrence"
	"github.com/friendsincode/elastisched/internal/schedule"
	"github.com/friendsincode/elastisched/internal/timerange"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the schedule as iCalendar",
	Long:  "Write the occurrences of a window, with their realized placements, to an .ics file",
	RunE:  runExport,
}

var (
	exportOut      string
	exportStart    string
	exportEnd      string
	exportTimezone string
	exportName     string
)

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVar(&exportOut, "out", "-", "Output file, - for stdout")
	exportCmd.Flags().StringVar(&exportStart, "start", "", "Window start (default now)")
	exportCmd.Flags().StringVar(&exportEnd, "end", "", "Window end (default start plus the configured lookahead)")
	exportCmd.Flags().StringVar(&exportTimezone, "timezone", "", "IANA timezone for naive datetimes")
	exportCmd.Flags().StringVar(&exportName, "name", "", "Calendar name")
}

func exportWindow(now time.Time, lookahead time.Duration, loc *time.Location) (timerange.TimeRange, error) {
	start := now
	if exportStart != "" {
		t, err := recurrence.ParseDateTime(exportStart, loc)
		if err != nil {
			return timerange.TimeRange{}, fmt.Errorf("invalid --start: %w", err)
		}
		start = t
	}
	end := start.Add(lookahead)
	if exportEnd != "" {
		t, err := recurrence.ParseDateTime(exportEnd, loc)
		if err != nil {
			return timerange.TimeRange{}, fmt.Errorf("invalid --end: %w", err)
		}
		end = t
	}
	return timerange.New(start, end)
}

func runExport(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	loc := cfg.Location()
	if exportTimezone != "" {
		resolved, ok := recurrence.ResolveLocation(exportTimezone, nil)
		if !ok {
			return fmt.Errorf("unknown timezone %q", exportTimezone)
		}
		loc = resolved
	}

	window, err := exportWindow(time.Now().UTC(), cfg.Lookahead, loc)
	if err != nil {
		return err
	}

	svc, cleanup, err := openScheduler()
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := schedule.NewExportService(svc, nil, nil, exportName, logger).ExportToICal(cmd.Context(), window, loc)
	if err != nil {
		return err
	}

	if exportOut == "-" {
		_, err = cmd.OutOrStdout().Write(res.Data)
		return err
	}
	if err := os.WriteFile(exportOut, res.Data, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d events to %s\n", res.Events, exportOut)
	return nil
}
