// Package crl keeps the CRL number of each CA instance consistent across
// publications and restarts.
//
// A Tracker owns the metadata of the last published CRL and the CRL
// artifact on disk. Numbers handed out by NextCRLNumber are not reserved;
// only PublishNewCRL advances the stored state, and only when the CRL it
// is given carries a strictly greater number than the stored one.
package crl

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/jmcleod/castore/internal/metrics"
	"github.com/jmcleod/castore/internal/util"
	"github.com/jmcleod/castore/storage"
)

var (
	// ErrMissingCRLNumber is returned when a CRL has no CRL number extension.
	ErrMissingCRLNumber = errors.New("CRL carries no CRL number")

	// ErrInvalidCRL is returned when CRL bytes cannot be parsed.
	ErrInvalidCRL = errors.New("invalid CRL")
)

// ArtifactPath returns the default location of the CRL of instance.
func ArtifactPath(dataDir, instance string) string {
	return filepath.Join(dataDir, "instances", instance, "repository", instance+".crl")
}

// Tracker serializes CRL publication for one instance.
type Tracker struct {
	instance string
	store    storage.MetadataStore
	fs       afero.Fs
	path     string
	logger   *slog.Logger

	mu      sync.Mutex
	current *storage.CRLMetadata
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithArtifact sets where the published CRL is written. Without it the
// tracker keeps metadata only and CurrentCRL always returns nil.
func WithArtifact(fs afero.Fs, path string) Option {
	return func(t *Tracker) {
		t.fs = fs
		t.path = path
	}
}

// WithLogger sets the tracker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker loads the metadata of instance from store. When none is
// stored, it is derived from the CRL artifact if one exists, otherwise a
// baseline with CRL number 0 is used. Derived metadata is persisted
// before NewTracker returns.
func NewTracker(ctx context.Context, instance string, store storage.MetadataStore, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		instance: instance,
		store:    store,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}

	md, err := store.GetCRLMetadata(ctx, instance)
	if err != nil {
		return nil, fmt.Errorf("loading CRL metadata for %s: %w", instance, err)
	}
	if md != nil {
		t.current = md
		t.logger.Info("CRL number counter initialized from metadata",
			"instance", instance, "crl_number", md.CRLNumber.Text(16))
		metrics.CRLNumber.WithLabelValues(instance).Set(toFloat(md.CRLNumber))
		return t, nil
	}

	md, err = t.bootstrap()
	if err != nil {
		return nil, err
	}
	if err := store.StoreCRLMetadata(ctx, instance, md); err != nil {
		return nil, fmt.Errorf("storing CRL metadata for %s: %w", instance, err)
	}
	t.current = md
	metrics.CRLNumber.WithLabelValues(instance).Set(toFloat(md.CRLNumber))
	return t, nil
}

func (t *Tracker) bootstrap() (*storage.CRLMetadata, error) {
	der, err := t.readArtifact()
	if err != nil {
		return nil, err
	}
	if der == nil {
		t.logger.Info("starting new CRL sequence with CRL number 0", "instance", t.instance)
		return &storage.CRLMetadata{CRLNumber: big.NewInt(0)}, nil
	}
	md, err := Parse(der)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping CRL metadata from %s: %w", t.path, err)
	}
	t.logger.Info("CRL number counter initialized from CRL artifact",
		"instance", t.instance, "crl_number", md.CRLNumber.Text(16))
	return md, nil
}

func (t *Tracker) readArtifact() ([]byte, error) {
	if t.fs == nil || t.path == "" {
		return nil, nil
	}
	der, err := util.ReadFileIfExists(t.fs, t.path)
	if err != nil {
		return nil, fmt.Errorf("reading CRL %s: %w", t.path, err)
	}
	return der, nil
}

// Parse extracts CRL metadata from a DER encoded CRL.
func Parse(der []byte) (*storage.CRLMetadata, error) {
	rl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCRL, err)
	}
	if rl.Number == nil {
		return nil, ErrMissingCRLNumber
	}
	return &storage.CRLMetadata{
		CRLNumber:        new(big.Int).Set(rl.Number),
		IssueTime:        rl.ThisUpdate,
		NextUpdate:       rl.NextUpdate,
		RevokedCertCount: len(rl.RevokedCertificateEntries),
	}, nil
}

// Instance returns the instance the tracker belongs to.
func (t *Tracker) Instance() string { return t.instance }

// Path returns the CRL artifact location, or "" when none is configured.
func (t *Tracker) Path() string { return t.path }

// NextCRLNumber returns the stored CRL number plus one. It does not
// reserve the number.
func (t *Tracker) NextCRLNumber() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Add(t.current.CRLNumber, big.NewInt(1))
}

// Metadata returns a snapshot of the current metadata.
func (t *Tracker) Metadata() storage.CRLMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.current.Clone()
}

// PublishNewCRL records der as the current CRL if its number is strictly
// greater than the stored one. It reports whether the CRL was accepted.
// A stale CRL changes neither the metadata nor the artifact.
func (t *Tracker) PublishNewCRL(ctx context.Context, der []byte) (bool, error) {
	md, err := Parse(der)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !storage.Supersedes(t.current, md) {
		t.logger.Info("ignoring stale CRL publication", "instance", t.instance,
			"crl_number", md.CRLNumber.Text(16), "current", t.current.CRLNumber.Text(16))
		return false, nil
	}
	advanced, err := t.store.AdvanceCRLMetadata(ctx, t.instance, md)
	if err != nil {
		return false, fmt.Errorf("advancing CRL metadata for %s: %w", t.instance, err)
	}
	if !advanced {
		// Another process published a newer CRL; pick up its state.
		if stored, err := t.store.GetCRLMetadata(ctx, t.instance); err == nil && stored != nil {
			t.current = stored
		}
		t.logger.Info("ignoring stale CRL publication", "instance", t.instance,
			"crl_number", md.CRLNumber.Text(16))
		return false, nil
	}
	t.current = md
	metrics.CRLNumber.WithLabelValues(t.instance).Set(toFloat(md.CRLNumber))

	if t.fs != nil && t.path != "" {
		if err := util.WriteFileAtomic(t.fs, t.path, der, 0o644); err != nil {
			return true, fmt.Errorf("writing CRL %s: %w", t.path, err)
		}
	}
	t.logger.Info("published CRL", "instance", t.instance,
		"crl_number", md.CRLNumber.Text(16), "revoked", md.RevokedCertCount)
	return true, nil
}

// CurrentCRL returns the last published CRL, or nil and no error when
// none has been published.
func (t *Tracker) CurrentCRL() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readArtifact()
}

func toFloat(n *big.Int) float64 {
	f, _ := new(big.Float).SetInt(n).Float64()
	return f
}
