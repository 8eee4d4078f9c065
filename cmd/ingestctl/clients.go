package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/providentiaww/ptdatax-ingest/internal/config"
	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/oauth"
)

func newClientsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage Tapis OAuth2 clients",
	}
	cmd.AddCommand(
		newClientsAddCmd(opts),
		newClientsImportCmd(opts),
		newClientsDeactivateCmd(opts),
		newClientsListCmd(opts),
	)
	return cmd
}

func newClientsAddCmd(opts *globalOptions) *cobra.Command {
	var spec config.ClientSpec
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an OAuth2 client",
		Long: `Register an OAuth2 client. Tenant, base URL and callback URL default to
TAPIS_TENANT_ID, TAPIS_BASE_URL and TAPIS_CALLBACK_URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			c := clientFromSpec(spec, opts.cfg.Tapis)
			if err := store.CreateClient(cmd.Context(), c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered client %s (tenant %s)\n", c.ClientID, c.TenantID)
			return nil
		},
	}
	cmd.Flags().StringVar(&spec.ClientID, "id", "", "client id (required)")
	cmd.Flags().StringVar(&spec.ClientSecret, "secret", "", "client secret (required)")
	cmd.Flags().StringVar(&spec.Name, "name", "", "display name")
	cmd.Flags().StringVar(&spec.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&spec.BaseURL, "base-url", "", "tenant base URL")
	cmd.Flags().StringVar(&spec.CallbackURL, "callback-url", "", "redirect URI registered with Tapis")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func clientFromSpec(spec config.ClientSpec, defaults config.Tapis) *oauth.Client {
	c := &oauth.Client{
		ClientID:     spec.ClientID,
		ClientSecret: spec.ClientSecret,
		Name:         spec.Name,
		TenantID:     spec.TenantID,
		BaseURL:      spec.BaseURL,
		CallbackURL:  spec.CallbackURL,
		Active:       spec.IsActive(),
	}
	if c.TenantID == "" {
		c.TenantID = defaults.TenantID
	}
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	if c.CallbackURL == "" {
		c.CallbackURL = defaults.CallbackURL
	}
	if c.Name == "" {
		c.Name = c.ClientID
	}
	return c
}

func newClientsImportCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Register the clients listed in a YAML file",
		Long: `Register every client of a YAML file of the form

  clients:
    - client_id: ptdatax
      client_secret: ...
      name: PTDataX
      tenant_id: designsafe

Clients that already exist are left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := config.LoadClientsFile(args[0], opts.cfg.Tapis)
			if err != nil {
				return err
			}
			store, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			var created, existing int
			for _, spec := range specs {
				err := store.CreateClient(cmd.Context(), clientFromSpec(spec, opts.cfg.Tapis))
				switch {
				case errs.Is(err, errs.KindDuplicate):
					existing++
				case err != nil:
					return fmt.Errorf("client %s: %w", spec.ClientID, err)
				default:
					created++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d clients, %d already registered\n", created, existing)
			return nil
		},
	}
}

func newClientsDeactivateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate CLIENT_ID",
		Short: "Stop accepting logins for a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if err := store.DeactivateClient(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deactivated client %s\n", args[0])
			return nil
		},
	}
}

func newClientsListCmd(opts *globalOptions) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			clients, err := store.ListClients(cmd.Context(), activeOnly)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return opts.printJSON(cmd.OutOrStdout(), clients)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CLIENT ID\tNAME\tTENANT\tACTIVE\tCALLBACK")
			for _, c := range clients {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", c.ClientID, c.Name, c.TenantID, c.Active, c.CallbackURL)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active clients")
	return cmd
}
