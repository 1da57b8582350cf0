/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/friendsincode/elastisched/internal/recurrence"
	"github.com/friendsincode/elastisched/internal/schedule"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import recurrence definitions",
	Long:  "Create recurrence definitions from a YAML document or an iCalendar file",
}

var importYAMLCmd = &cobra.Command{
	Use:   "yaml",
	Short: "Import from a YAML document",
	Long:  "Create one recurrence per entry of a YAML list of {type, payload} documents",
	RunE:  runImportYAML,
}

var importICalCmd = &cobra.Command{
	Use:   "ical",
	Short: "Import from an iCalendar file",
	Long:  "Create one rigid single recurrence per timed VEVENT of an .ics file",
	RunE:  runImportICal,
}

var (
	importFile   string
	importDryRun bool
)

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.AddCommand(importYAMLCmd)
	importCmd.AddCommand(importICalCmd)

	for _, c := range []*cobra.Command{importYAMLCmd, importICalCmd} {
		c.Flags().StringVar(&importFile, "file", "", "Path to the input file, - for stdin (required)")
		_ = c.MarkFlagRequired("file")
	}
	importYAMLCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Validate the document without storing it")
}

// definitionDoc is one entry of a YAML import document.
type definitionDoc struct {
	Type    string             `yaml:"type"`
	Payload recurrence.Payload `yaml:"payload"`
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// decodeDefinitions reads a YAML list and re-encodes each payload as the
// JSON document stored for recurrences.
func decodeDefinitions(r io.Reader) ([]definitionDoc, [][]byte, error) {
	var docs []definitionDoc
	if err := yaml.NewDecoder(r).Decode(&docs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("parse yaml: %w", err)
	}

	payloads := make([][]byte, len(docs))
	for i, doc := range docs {
		if doc.Type == "" {
			return nil, nil, fmt.Errorf("entry %d: type is required", i)
		}
		raw, err := json.Marshal(doc.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("entry %d: encode payload: %w", i, err)
		}
		payloads[i] = raw
	}
	return docs, payloads, nil
}

func runImportYAML(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	in, err := openInput(importFile)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	docs, payloads, err := decodeDefinitions(in)
	if err != nil {
		return err
	}

	if importDryRun {
		for i, doc := range docs {
			kind, err := recurrence.ParseKind(doc.Type)
			if err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
			if _, err := recurrence.DecodePayload("", kind, doc.Payload); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d definitions valid\n", len(docs))
		return nil
	}

	svc, cleanup, err := openScheduler()
	if err != nil {
		return err
	}
	defer cleanup()

	for i, doc := range docs {
		rec, err := svc.CreateRecurrence(cmd.Context(), doc.Type, payloads[i])
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s %s\n", rec.Kind, rec.ID)
	}
	return nil
}

func runImportICal(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	in, err := openInput(importFile)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	svc, cleanup, err := openScheduler()
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := schedule.ImportFromICal(cmd.Context(), svc, in, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "imported %d events, skipped %d\n", len(res.Imported), res.Skipped)
	for _, msg := range res.Errors {
		fmt.Fprintf(out, "  error: %s\n", msg)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d events failed to import", len(res.Errors))
	}
	return nil
}
