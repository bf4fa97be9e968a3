package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/castore/registry"
	"github.com/jmcleod/castore/storage"
)

var (
	pruneGrace    time.Duration
	pruneInstance string
	pruneAll      bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired certificate records",
	Long: `Removes records whose expiry date lies more than the grace period in the
past from the active repository of each instance, or from both repositories
with --all.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configDir)
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), logEnabled)
		reg, err := registry.Open(cmd.Context(), cfg, registry.WithLogger(logger))
		if err != nil {
			return err
		}
		defer reg.Close()

		return runPrune(cmd.Context(), cmd.OutOrStdout(), reg, pruneInstance, pruneGrace, pruneAll)
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().DurationVar(&pruneGrace, "grace", 0, "Keep records that expired less than this long ago")
	pruneCmd.Flags().StringVar(&pruneInstance, "instance", "", "Only process this instance")
	pruneCmd.Flags().BoolVar(&pruneAll, "all", false, "Prune both the file and the database repository")
}

func runPrune(ctx context.Context, out io.Writer, reg *registry.Registry, instance string, grace time.Duration, all bool) error {
	names := reg.Instances()
	if instance != "" {
		names = []string{instance}
	}

	var errs []error
	for _, name := range names {
		g, err := reg.Get(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		targets := map[string]storage.Repository{g.Active: g.ActiveRepository()}
		if all {
			targets = map[string]storage.Repository{"file": g.File, "db": g.DB}
		}
		for _, kind := range []string{"file", "db"} {
			repo, ok := targets[kind]
			if !ok {
				continue
			}
			removed, err := repo.RemoveExpiredCertificates(ctx, grace)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s %s repository: %w", name, kind, err))
				continue
			}
			fmt.Fprintf(out, "Removed %d expired certificates from the %s repository of %s\n", len(removed), kind, name)
		}
	}
	return errors.Join(errs...)
}
