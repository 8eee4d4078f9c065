package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/providentiaww/ptdatax-ingest/internal/app"
	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/flights"
)

type discoverOptions struct {
	user     string
	clientID string
	systems  []string
	dryRun   bool
}

func newDiscoverCmd(opts *globalOptions) *cobra.Command {
	do := &discoverOptions{}
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Run remote flight discovery",
		Long: `Run remote flight discovery against Tapis.

Without --user every user holding a token runs through the periodic pass
(preferences and cooldown apply). With --user discovery runs for that user
now, ignoring the cooldown; --dry-run only lists the flights found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd, opts, do)
		},
	}
	cmd.Flags().StringVar(&do.user, "user", "", "local user id or Tapis username")
	cmd.Flags().StringVar(&do.clientID, "client", "", "OAuth2 client id (default: oldest active)")
	cmd.Flags().StringSliceVar(&do.systems, "system", nil, "limit a dry run to these systems")
	cmd.Flags().BoolVar(&do.dryRun, "dry-run", false, "list flights without creating projects")
	return cmd
}

func runDiscover(cmd *cobra.Command, opts *globalOptions, do *discoverOptions) error {
	cfg := opts.cfg
	if err := cfg.RequireTapis(); err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	if do.dryRun && do.user == "" {
		return errs.Validation("ingestctl.discover", "--dry-run needs --user")
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if do.user == "" {
		res, err := a.DiscoveryPass(ctx)
		if err != nil {
			return err
		}
		if opts.output == "json" {
			return opts.printJSON(cmd.OutOrStdout(), res)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CLIENT\tUSER\tCREATED\tSKIPPED\tERRORS")
		for clientID, users := range res {
			for _, u := range users {
				if u.Summary == nil {
					fmt.Fprintf(tw, "%s\t%s\t-\t-\t%s\n", clientID, u.UserID, u.Error)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", clientID, u.UserID,
					u.Summary.ProjectsCreated, u.Summary.ProjectsSkipped, len(u.Summary.Errors))
			}
		}
		return tw.Flush()
	}

	userID := do.user
	if u, err := a.Store.GetUserByUsername(ctx, do.user); err == nil {
		userID = u.ID
	}
	clientID := do.clientID
	if clientID == "" {
		c, err := a.Store.FirstActiveClient(ctx)
		if err != nil {
			return err
		}
		clientID = c.ClientID
	}

	if do.dryRun {
		res, err := a.Flights.DiscoverFlights(ctx, userID, clientID, do.systems)
		if err != nil {
			return err
		}
		if opts.output == "json" {
			return opts.printJSON(cmd.OutOrStdout(), res)
		}
		printFlights(cmd, res)
		return nil
	}

	sum, err := a.Flights.TriggerDiscovery(ctx, userID, clientID)
	if err != nil {
		return err
	}
	if opts.output == "json" {
		return opts.printJSON(cmd.OutOrStdout(), sum)
	}
	for _, p := range sum.Created {
		fmt.Fprintf(cmd.OutOrStdout(), "created %s (%d images)\n", p.ProjectName, p.ImageCount)
	}
	for _, e := range sum.Errors {
		fmt.Fprintf(cmd.OutOrStdout(), "error %s: %s\n", e.Item, e.Message)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d systems, %d flights, %d created, %d skipped\n",
		sum.SystemsScanned, sum.FlightsDiscovered, sum.ProjectsCreated, sum.ProjectsSkipped)
	return nil
}

func printFlights(cmd *cobra.Command, res *flights.DiscoveryResult) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYSTEM\tFLIGHT\tIMAGES\tPATH")
	for _, f := range res.Flights {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.SystemID, f.FlightName, f.ImageCount, f.ImagesPath)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(tw, "%s\t-\t-\terror: %s\n", e.Item, e.Message)
	}
	tw.Flush()
}
