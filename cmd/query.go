package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query ingested tax records",
	Long:  "Read-only lookups and aggregations over the record store.",
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var querySQLCmd = &cobra.Command{
	Use:   "sql <statement>",
	Short: "Execute a read-only SQL statement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		rows, err := e.Store.Query(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "query sql")
		}
		return printJSON(rows)
	},
}

var querySalaryCmd = &cobra.Command{
	Use:   "salary",
	Short: "List salary income entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		out, err := e.Store.FindSalaryIncome(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var queryTotalsCmd = &cobra.Command{
	Use:   "totals",
	Short: "Total income and payments grouped by category",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		out, err := e.Store.TotalsByCategory(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var queryAssetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "Asset statistics grouped by category",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		out, err := e.Store.AnalyzeAssets(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var querySourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List all income sources across categories",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		out, err := e.Store.AllIncomeSources(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	queryCmd.AddCommand(querySQLCmd, querySalaryCmd, queryTotalsCmd, queryAssetsCmd, querySourcesCmd)
	rootCmd.AddCommand(queryCmd)
}
