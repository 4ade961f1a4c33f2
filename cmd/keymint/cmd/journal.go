package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/keymint/config"
	"github.com/jmcleod/keymint/journal"
	bboltjournal "github.com/jmcleod/keymint/journal/bbolt"
)

var (
	journalDataDir string
	journalName    string
	journalJSON    bool
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the issuance journal",
	Long: `Lists the issuance records kept in a server's data directory. The database
is opened read-only; while a server holds it, use the admin endpoint
(GET /journal) instead.`,
	RunE: runJournal,
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.Flags().StringVar(&journalDataDir, "data-dir", "./data", "Server data directory")
	journalCmd.Flags().StringVar(&journalName, "name", "", "Show only the latest record for this name")
	journalCmd.Flags().BoolVar(&journalJSON, "json", false, "Output records as JSON")
}

func runJournal(cmd *cobra.Command, args []string) error {
	path := filepath.Join(journalDataDir, config.JournalFile)
	j, err := bboltjournal.NewJournalFromFile(path, &bbolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("opening journal %s: %w", path, err)
	}
	defer j.Close()

	var records []journal.Record
	if journalName != "" {
		rec, err := j.Latest(journalName)
		if err != nil {
			return err
		}
		records = []journal.Record{rec}
	} else if records, err = j.List(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if journalJSON {
		if records == nil {
			records = []journal.Record{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(journal.Export{Records: records})
	}
	return printRecords(out, records)
}

func printRecords(w io.Writer, records []journal.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tNAME\tSTATUS\tSERIAL\tNOT AFTER\tDURATION\tERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%dms\t%s\n",
			r.CreatedAt, r.Name, r.Status, dash(r.SerialNumber), dash(r.NotAfter), r.DurationMillis, r.Error)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
