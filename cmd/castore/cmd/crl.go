package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/castore/pki"
	"github.com/jmcleod/castore/registry"
)

var (
	crlInstance string
	crlCertFile string
	crlKeyFile  string
	crlValidity time.Duration
	crlPKCS11   pki.PKCS11Config
)

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "CRL publication tools",
}

var crlGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Sign and publish a new CRL for an instance",
	Long: `Builds a CRL from the revoked records of the instance's active repository,
numbers it one past the last published CRL and publishes it. The CA
certificate and key default to ca/ca-cert.pem and ca/ca-key.pem in the
instance directory. A key file holding "PKCS11:<label>" selects a key in the
HSM named by the --pkcs11-* flags; the PIN is read from CASTORE_PKCS11_PIN.`,
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

		instDir := filepath.Join(cfg.DataDirectory, "instances", crlInstance)
		certFile, keyFile := crlCertFile, crlKeyFile
		if certFile == "" {
			certFile = filepath.Join(instDir, "ca", "ca-cert.pem")
		}
		if keyFile == "" {
			keyFile = filepath.Join(instDir, "ca", "ca-key.pem")
		}
		certPEM, err := os.ReadFile(certFile)
		if err != nil {
			return fmt.Errorf("reading CA certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("reading CA key: %w", err)
		}

		var ks pki.KeyStore
		if strings.HasPrefix(strings.TrimSpace(string(keyPEM)), pki.PKCS11Prefix) {
			hsmCfg := crlPKCS11
			hsmCfg.PIN = os.Getenv("CASTORE_PKCS11_PIN")
			hsm, err := pki.NewPKCS11KeyStore(hsmCfg)
			if err != nil {
				return err
			}
			defer hsm.Close()
			ks = hsm
		}
		return runCRLGenerate(cmd.Context(), cmd.OutOrStdout(), reg, crlInstance, certPEM, keyPEM, ks, crlValidity)
	},
}

func init() {
	rootCmd.AddCommand(crlCmd)
	crlCmd.AddCommand(crlGenerateCmd)
	crlGenerateCmd.Flags().StringVar(&crlInstance, "instance", "", "Instance to publish a CRL for")
	crlGenerateCmd.Flags().StringVar(&crlCertFile, "cert", "", "Path to the PEM encoded CA certificate")
	crlGenerateCmd.Flags().StringVar(&crlKeyFile, "key", "", "Path to the PEM encoded CA private key")
	crlGenerateCmd.Flags().DurationVar(&crlValidity, "validity", pki.DefaultCRLValidity, "Time until the CRL's next update")
	crlGenerateCmd.Flags().StringVar(&crlPKCS11.ModulePath, "pkcs11-module", "", "Path to the PKCS#11 library holding the CA key")
	crlGenerateCmd.Flags().StringVar(&crlPKCS11.TokenLabel, "pkcs11-token", "", "Label of the PKCS#11 token holding the CA key")
	crlGenerateCmd.MarkFlagRequired("instance")
}

// runCRLGenerate signs the next CRL of instance with the CA key in ks, or
// with a software key parsed from keyPEM when ks is nil.
func runCRLGenerate(ctx context.Context, out io.Writer, reg *registry.Registry, instance string, certPEM, keyPEM []byte, ks pki.KeyStore, validity time.Duration) error {
	g, err := reg.Get(instance)
	if err != nil {
		return err
	}
	cert, err := pki.ParseCertificatePEM(certPEM)
	if err != nil {
		return fmt.Errorf("CA certificate: %w", err)
	}
	if ks == nil {
		ks = pki.NewSoftwareKeyStore()
	}
	keyID, err := ks.ImportPEM(string(keyPEM))
	if err != nil {
		return fmt.Errorf("CA key: %w", err)
	}
	signer, err := ks.Signer(keyID)
	if err != nil {
		return err
	}
	ca, err := pki.NewCA(instance, cert, signer, g.ActiveRepository(), g.Tracker, pki.WithKeyStore(ks))
	if err != nil {
		return err
	}

	number := g.Tracker.NextCRLNumber()
	_, published, err := ca.GenerateCRL(ctx, validity)
	if err != nil {
		return err
	}
	if !published {
		fmt.Fprintf(out, "CRL number %s for %s was superseded by a concurrent publication\n", number, instance)
		return nil
	}
	fmt.Fprintf(out, "Published CRL number %s for %s to %s\n", number, instance, g.Tracker.Path())
	return nil
}
