package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/keymint/journal"
)

var verifyJSONOutput bool

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify the integrity of an exported issuance journal",
	Long: `Reads an exported journal JSON file (from GET /journal or "keymint journal
--json") and verifies the hash chain, record IDs, timestamp ordering and
that every record carries the fields its status requires.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	journalCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
}

// verifyResult is a journal.Report annotated with the file it came from.
type verifyResult struct {
	File string `json:"file"`
	journal.Report
}

func loadExport(path string) (journal.Export, error) {
	var export journal.Export
	data, err := os.ReadFile(path)
	if err != nil {
		return export, fmt.Errorf("cannot read file: %w", err)
	}
	if err := json.Unmarshal(data, &export); err != nil {
		return export, fmt.Errorf("invalid JSON: %w", err)
	}
	return export, nil
}

func verifyExportFile(path string) (verifyResult, error) {
	export, err := loadExport(path)
	if err != nil {
		return verifyResult{}, err
	}
	return verifyResult{File: path, Report: journal.Verify(export.Records)}, nil
}

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Journal verification: %s\n", result.File)
	fmt.Fprintf(w, "Records: %d\n\n", result.RecordCount)

	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case journal.CheckFail:
			tag = "[FAIL]"
		case journal.CheckWarn:
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
		return
	}
	failures, warnings := result.Failures()
	fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
}

func printJSONResult(w io.Writer, result verifyResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runVerify(cmd *cobra.Command, args []string) error {
	result, err := verifyExportFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	out := cmd.OutOrStdout()
	if verifyJSONOutput {
		if err := printJSONResult(out, result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanResult(out, result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
