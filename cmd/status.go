package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store availability and ingestion state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		summary, err := e.Store.Status(ctx)
		if err != nil {
			return err
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}

		fmt.Printf("Store:   %s (available: %v)\n", summary.Driver, summary.Available)
		if summary.SchemaVersion != "" {
			fmt.Printf("Schema:  v%s\n", summary.SchemaVersion)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "\nDOCUMENTS\tCOUNT")
		for status, n := range summary.Documents {
			fmt.Fprintf(w, "%s\t%d\n", status, n)
		}
		fmt.Fprintln(w, "\nRECORDS\tCOUNT")
		for kind, n := range summary.Records {
			fmt.Fprintf(w, "%s\t%d\n", kind, n)
		}
		w.Flush()

		if len(summary.PendingReview) > 0 {
			fmt.Println("\nNeeds attention:")
			for _, issue := range summary.PendingReview {
				fmt.Printf("  %s (%s, %d attempts)\n", issue.Path, issue.Status, issue.Attempts)
				for _, ve := range issue.LastErrors {
					fmt.Printf("    - %s\n", ve.Error())
				}
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd)
}
