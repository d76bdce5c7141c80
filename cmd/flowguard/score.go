package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/flowguard/pkg/chart"
	"github.com/hed1ad/flowguard/pkg/flow"
	"github.com/hed1ad/flowguard/pkg/source"
)

type scoreOutput struct {
	Results    []flow.Scored `json:"results"`
	ChartData  chart.Payload `json:"chart_data"`
	Fetched    int           `json:"fetched"`
	Excluded   int           `json:"excluded"`
	SnapshotID string        `json:"snapshot_id"`
}

func newScoreCmd(a *app) *cobra.Command {
	var (
		file   string
		header bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Train on a file and print verdicts for its most recent records",
		Example: `  flowguard score --file capture.pcap --limit 20
  flowguard score --file KDDTest+.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative, got %d", limit)
			}
			ctx := cmd.Context()

			records, err := readFile(file, header)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}

			svc := a.newService(source.NewMemory(records))
			if _, err := svc.Train(ctx); err != nil {
				return err
			}
			res, err := svc.Infer(ctx, limit)
			if err != nil {
				return err
			}

			results := res.Records
			if results == nil {
				results = []flow.Scored{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(scoreOutput{
				Results:    results,
				ChartData:  res.Payload,
				Fetched:    res.Fetched,
				Excluded:   res.Excluded,
				SnapshotID: res.SnapshotID,
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "NSL-KDD CSV, headed CSV or pcap file")
	cmd.Flags().BoolVar(&header, "header", false, "CSV has a header row with named columns")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "number of most recent records to score")
	return cmd
}
