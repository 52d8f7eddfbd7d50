package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/declarante/irpf-cli/internal/ingest"
)

var (
	ingestDir  string
	ingestJSON bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Ingest tax documents into the record store",
	Long:  "Extracts each document, structures it into validated records and persists them. Filing XML files bypass the model and are normalized directly.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if ingestDir == "" && len(args) == 0 {
			return eris.New("ingest: provide document files or --dir")
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		var rep *ingest.Report
		if ingestDir != "" {
			rep, err = e.Runner.IngestDir(ctx, ingestDir)
			if err != nil {
				return err
			}
		}
		if len(args) > 0 {
			fileRep, err := e.Runner.IngestFiles(ctx, args)
			if err != nil {
				return err
			}
			if rep == nil {
				rep = fileRep
			} else {
				rep.Merge(fileRep)
			}
		}

		zap.L().Info("ingestion finished",
			zap.Int("processed", rep.Processed),
			zap.Int("unchanged", rep.Unchanged),
			zap.Int("skipped", rep.Skipped),
			zap.Int("needs_review", rep.NeedsReview),
			zap.Int("failed", rep.Failed))

		if ingestJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "ingest every supported file under this directory")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "print the run report as JSON")
	rootCmd.AddCommand(ingestCmd)
}
