package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/flowguard/pkg/source/postgres"
)

func newLoadCmd(a *app) *cobra.Command {
	var (
		file   string
		header bool
	)

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Create the logs table and bulk load a dataset or capture into it",
		Example: `  flowguard load --file KDDTrain+.csv
  flowguard load --file flows.csv --header
  flowguard load --file capture.pcap`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			ctx := cmd.Context()

			records, err := readFile(file, header)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}

			db, err := a.openPostgres(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			loader := postgres.NewLoader(db, a.logger, a.cfg.CopyBatchSize)
			if err := loader.CreateSchema(ctx); err != nil {
				return err
			}
			n, err := loader.Load(ctx, records)
			if err != nil {
				return fmt.Errorf("loaded %d of %d records: %w", n, len(records), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d records from %s\n", n, file)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "NSL-KDD CSV, headed CSV or pcap file")
	cmd.Flags().BoolVar(&header, "header", false, "CSV has a header row with named columns")
	return cmd
}
