package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmcleod/castore/merge"
	"github.com/jmcleod/castore/registry"
)

type mergeOptions struct {
	list     bool
	verbose  bool
	toDB     bool
	toFile   bool
	instance string
}

var mergeOpts mergeOptions

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Reconcile the file and database repositories of every instance",
	Long: `Lists or copies certificate records that exist in only one of the file
and database repositories of each CA instance. Records present in both are
never modified.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if !mergeOpts.list && !mergeOpts.toDB && !mergeOpts.toFile {
			fmt.Fprintln(out, "At least one of the options '--dbmerge' or '--filemerge' must be set")
			return cmd.Help()
		}

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

		return runMerge(cmd.Context(), out, reg, mergeOpts, logger)
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().BoolVar(&mergeOpts.list, "list", false, "List merge status without copying")
	mergeCmd.Flags().BoolVarP(&mergeOpts.verbose, "verbose", "v", false, "Describe every record that is listed or copied")
	mergeCmd.Flags().BoolVar(&mergeOpts.toDB, "dbmerge", false, "Copy file repository records missing in the database repository")
	mergeCmd.Flags().BoolVar(&mergeOpts.toFile, "filemerge", false, "Copy database repository records missing in the file repository")
	mergeCmd.Flags().StringVar(&mergeOpts.instance, "instance", "", "Only process this instance")
}

func (o mergeOptions) direction() merge.Direction {
	switch {
	case o.toDB && o.toFile:
		return merge.Both
	case o.toFile:
		return merge.ToPrimary
	default:
		return merge.ToSecondary
	}
}

// runMerge lists or merges every selected instance of reg. An instance
// that cannot be enumerated is reported and skipped; its error is
// returned after the remaining instances have been processed.
func runMerge(ctx context.Context, out io.Writer, reg *registry.Registry, o mergeOptions, logger *slog.Logger) error {
	m := merge.NewMerger(merge.WithOutput(out), merge.WithLogger(logger), merge.WithVerbose(o.verbose))

	names := reg.Instances()
	if o.instance != "" {
		names = []string{o.instance}
	}

	var errs []error
	for _, name := range names {
		g, err := reg.Get(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if o.list {
			_, err = m.PrintStatus(ctx, name, g.Primary(), g.Secondary())
		} else {
			_, err = m.Merge(ctx, name, g.Primary(), g.Secondary(), o.direction())
		}
		if err != nil {
			fmt.Fprintf(out, "Failed to process instance %s: %v\n", name, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
