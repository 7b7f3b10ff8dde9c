package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/app"
	"relaybot/internal/config"
	"relaybot/internal/storage"
	"relaybot/internal/task/scheduler"
	logx "relaybot/pkg/logx"
)

func newCheckCommand(opts *rootOptions) *cobra.Command {
	var skipStorage bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and prepare storage",
		Long: `Validate the configuration, then open the database and apply
migrations. Useful before a deploy.

Exit codes:
  0 - config is valid and storage is reachable
  1 - something is wrong (details on stderr)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), config.NewManager(opts.configPath), !skipStorage)
		},
	}
	cmd.Flags().BoolVar(&skipStorage, "skip-storage", false, "only validate the config")
	return cmd
}

func runCheck(ctx context.Context, w io.Writer, cfgm *config.Manager, openStorage bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	fmt.Fprintln(w, "config is valid")

	spec := cfg.Scheduler.Spec
	if spec == "" {
		spec = scheduler.DefaultSpec
	}
	loc, _ := scheduler.LoadLocation(cfg.Scheduler.Timezone)
	if g, err := scheduler.NewGrid(spec, loc); err == nil {
		fmt.Fprintf(w, "  schedule: %s (%s)\n", spec, loc)
		fmt.Fprintf(w, "  next:     %s\n", g.Preview(time.Now(), 3))
	}

	if !openStorage {
		return nil
	}
	sc, err := app.StorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, sc, logx.NewConsole("WARN"))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	accounts, err := store.ListTwitterAccounts(ctx)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	channels, err := store.ListYoutubeChannels(ctx)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	fmt.Fprintf(w, "storage ok (%s): %d X account(s), %d YouTube channel(s)\n", sc.Driver, len(accounts), len(channels))
	return nil
}
