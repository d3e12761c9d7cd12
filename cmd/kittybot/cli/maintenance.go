package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"kittybot/internal/config"
	"kittybot/internal/crypto"
	"kittybot/internal/secrets"
	"kittybot/internal/storage"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadStorageOnly()
			if err != nil {
				return err
			}
			setupLogger(cmd, cfg.Log.Level)
			store, err := openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("driver", cfg.DB.Driver).Msg("schema up to date")
			return nil
		},
	}
}

func newRotateKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-keys",
		Short: "Re-encrypt stored credentials with the current master key",
		Long: `Decrypt every stored credential with whichever configured master key sealed
it and seal it again with MASTER_KEY_CURRENT_ID. Old keys can be removed from
the environment once this reports zero failures.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadStorageOnly()
			if err != nil {
				return err
			}
			setupLogger(cmd, cfg.Log.Level)
			store, err := openStore(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer store.Close()

			sealer, err := crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
			if err != nil {
				return fmt.Errorf("init sealer: %w", err)
			}
			vault := secrets.New(secrets.Config{Store: store, Sealer: sealer, Logger: log.Logger})
			n, err := vault.Rotate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-encrypted %d credentials with key %q\n", n, cfg.Crypto.CurrentKeyID)
			return nil
		},
	}
}

func newUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage [user-id]",
		Short: "Print token usage for one user or for everyone",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadStorageOnly()
			if err != nil {
				return err
			}
			setupLogger(cmd, cfg.Log.Level)
			store, err := openStore(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer store.Close()

			var rows []storage.UsageTotals
			if len(args) == 1 {
				u, err := store.Usage(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rows = []storage.UsageTotals{u}
			} else {
				rows, err = store.ListUsage(cmd.Context())
				if err != nil {
					return err
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), formatUsage(rows))
			return nil
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool) (*storage.Store, error) {
	store, err := storage.Open(ctx, storage.Config{
		Driver:      cfg.DB.Driver,
		DSN:         cfg.DB.DSN,
		AutoMigrate: migrate,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

func formatUsage(rows []storage.UsageTotals) string {
	if len(rows) == 0 {
		return "no usage recorded\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %12s %10s %s\n", "USER", "TOKENS", "COST", "PAST MONTHS")
	for _, u := range rows {
		past := make([]string, len(u.PastTokens))
		for i, t := range u.PastTokens {
			past[i] = fmt.Sprint(t)
		}
		fmt.Fprintf(&b, "%-24s %12d %10.4f %s\n", u.UserID, u.MonthlyTokens, u.MonthlyCost, strings.Join(past, ","))
	}
	return b.String()
}
