package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/flowguard/pkg/service"
	"github.com/hed1ad/flowguard/pkg/source/postgres"
)

func newTrainCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train on every stored record and archive the snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, err := a.openPostgres(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			archive, closeArchive, err := a.openArchive(ctx)
			if err != nil {
				return err
			}
			defer closeArchive()

			var opts []service.Option
			if archive != nil {
				opts = append(opts, service.WithArchive(archive))
			} else {
				a.logger.Warn("REDIS_URL not set, the snapshot will not outlive this process")
			}

			snap, err := a.newService(postgres.NewSource(db, a.logger), opts...).Train(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s trained on %d records (categories %v, threshold %.4f)\n",
				snap.ID, snap.TrainingRows, snap.Encoder.Categories(), snap.Model.Threshold())
			return nil
		},
	}
}
