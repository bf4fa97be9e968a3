package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jmcleod/castore/bundle"
	"github.com/jmcleod/castore/registry"
)

var bundleInstance string

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Trust-bundle snapshot tools",
}

var bundlePublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Regenerate the trust-bundle snapshot of every instance",
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

		pub := bundle.NewPublisher(afero.NewOsFs(), cfg.DataDirectory,
			bundle.WithMaxAge(cfg.Bundle.MaxAge()), bundle.WithLogger(logger))
		return runBundlePublish(cmd.Context(), cmd.OutOrStdout(), reg, pub, bundleInstance)
	},
}

func init() {
	rootCmd.AddCommand(bundleCmd)
	bundleCmd.AddCommand(bundlePublishCmd)
	bundlePublishCmd.Flags().StringVar(&bundleInstance, "instance", "", "Only publish this instance")
}

func runBundlePublish(ctx context.Context, out io.Writer, reg *registry.Registry, pub *bundle.Publisher, instance string) error {
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
		snap, err := pub.Publish(ctx, name, g.ActiveRepository())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(out, "Published %d certificates for %s to %s\n", snap.CertCount, name, snap.Path)
	}
	return errors.Join(errs...)
}
