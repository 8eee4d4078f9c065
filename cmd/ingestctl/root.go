package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/providentiaww/ptdatax-ingest/internal/config"
	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/oauth"
	"github.com/providentiaww/ptdatax-ingest/internal/storage"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// Exit codes for CLI commands.
const (
	ExitCodeSuccess       = 0
	ExitCodeError         = 1
	ExitCodeAuthFailed    = 2
	ExitCodeConfiguration = 3
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	envPath string
	output  string
	cfg     config.Config
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "ingestctl",
		Short: "Operate the photogrammetry ingestion service",
		Long: `ingestctl manages the Tapis OAuth2 clients of the ingestion service,
cleans up expired OAuth2 states and runs the directory scanner and remote
flight discovery on demand.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.output != "table" && opts.output != "json" {
				return errs.Validation("ingestctl", "unsupported output format %q", opts.output)
			}
			config.LoadEnv(opts.envPath)
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logging.Init(logging.ParseLevel(cfg.LogLevel), logging.Format(cfg.LogFormat), cmd.ErrOrStderr())
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.envPath, "env", ".env", "fallback .env file")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format (table|json)")

	root.AddCommand(
		newClientsCmd(opts),
		newStatesCmd(opts),
		newScanCmd(opts),
		newDiscoverCmd(opts),
	)
	return root
}

// openStore opens the database behind the OAuth2 state store.
func (o *globalOptions) openStore(ctx context.Context) (*oauth.Store, func(), error) {
	if err := o.cfg.RequireDatabase(); err != nil {
		return nil, nil, err
	}
	db, err := storage.Open(ctx, o.cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return oauth.NewStore(db), func() { db.Close() }, nil
}

func (o *globalOptions) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exitCode(err error) int {
	switch errs.KindOf(err) {
	case errs.KindConfiguration:
		return ExitCodeConfiguration
	case errs.KindAuthFailure:
		return ExitCodeAuthFailed
	default:
		return ExitCodeError
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
