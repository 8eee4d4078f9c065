package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/providentiaww/ptdatax-ingest/internal/app"
	"github.com/providentiaww/ptdatax-ingest/internal/scanner"
	"github.com/providentiaww/ptdatax-ingest/internal/storage"
)

func newScanCmd(opts *globalOptions) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one directory scan now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			if err := cfg.RequireScanner(); err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := storage.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			var rdb *redis.Client
			if cfg.RedisURL != "" {
				if rdb, err = app.OpenRedis(ctx, cfg.RedisURL); err != nil {
					return err
				}
				defer rdb.Close()
			}

			sc, err := app.NewScanner(db, rdb, cfg.Scanner)
			if err != nil {
				return err
			}
			res, err := sc.Scan(ctx)
			if errors.Is(err, scanner.ErrScanInProgress) {
				fmt.Fprintln(cmd.OutOrStdout(), "another scan is running")
				return nil
			}
			if err != nil {
				return err
			}

			if opts.output == "json" {
				if err := opts.printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printScan(cmd, res, verbose)
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d units failed to register", res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list skipped units too")
	return cmd
}

func printScan(cmd *cobra.Command, res *scanner.Result, verbose bool) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OWNER\tUNIT\tOUTCOME\tPROJECT\tERROR")
	for _, u := range res.Units {
		if !verbose && u.Outcome == scanner.OutcomeAlreadyClaimed {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.Owner, u.Unit, u.Outcome, u.ProjectID, u.Error)
	}
	tw.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d registered, %d skipped, %d orphaned, %d failed in %s\n",
		res.Registered, res.Skipped, res.Orphaned, res.Failed, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
}
