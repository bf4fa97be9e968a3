// Package bundle publishes a trust-bundle snapshot per CA instance: the
// currently valid, non-revoked certificates of the instance's repository,
// deduplicated and written as a single artifact that relying parties can
// download.
package bundle

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/jmcleod/castore/internal/metrics"
	"github.com/jmcleod/castore/internal/util"
	"github.com/jmcleod/castore/storage"
)

// DefaultMaxAge is how old a snapshot may be before Open regenerates it.
const DefaultMaxAge = 30 * time.Second

// FileName is the name of the snapshot artifact.
const FileName = "certs.p7b"

// ErrInvalidInstance is returned for instance names that cannot be used as
// a path element.
var ErrInvalidInstance = errors.New("invalid instance name")

// Path returns the location of the snapshot of instance.
func Path(dataDir, instance string) string {
	return filepath.Join(dataDir, "instances", instance, "repository", FileName)
}

// Snapshot describes the most recent publication for an instance.
type Snapshot struct {
	Instance    string
	Path        string
	PublishedAt time.Time
	CertCount   int
}

type instance struct {
	mu   sync.Mutex
	repo storage.Repository
	snap *Snapshot
}

// Publisher regenerates and serves snapshots. Regeneration is serialized
// per instance; different instances regenerate independently.
type Publisher struct {
	fs         afero.Fs
	dataDir    string
	maxAge     time.Duration
	equivalent EquivalenceFunc
	encoder    Encoder
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	instances map[string]*instance
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithMaxAge sets how old a snapshot may get before Open regenerates it.
func WithMaxAge(d time.Duration) Option {
	return func(p *Publisher) { p.maxAge = d }
}

// WithEquivalence replaces SameSubjectAndKey as the deduplication rule.
func WithEquivalence(f EquivalenceFunc) Option {
	return func(p *Publisher) { p.equivalent = f }
}

// WithEncoder replaces the PKCS#7 encoder.
func WithEncoder(e Encoder) Option {
	return func(p *Publisher) { p.encoder = e }
}

// WithLogger sets the publisher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// NewPublisher returns a Publisher writing artifacts below dataDir on fs.
func NewPublisher(fs afero.Fs, dataDir string, opts ...Option) *Publisher {
	p := &Publisher{
		fs:         fs,
		dataDir:    dataDir,
		maxAge:     DefaultMaxAge,
		equivalent: SameSubjectAndKey,
		encoder:    PKCS7Encoder{},
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
		instances:  make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func validInstance(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidInstance, name)
	}
	return nil
}

func (p *Publisher) lookup(name string) (*instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[name]
	return inst, ok
}

func (p *Publisher) register(name string, repo storage.Repository) *instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[name]
	if !ok {
		inst = &instance{repo: repo}
		p.instances[name] = inst
	}
	return inst
}

// Publish registers repo as the source of instance, if it is not yet
// registered, and regenerates the snapshot. A failed regeneration leaves
// the previous artifact and snapshot in place.
func (p *Publisher) Publish(ctx context.Context, name string, repo storage.Repository) (*Snapshot, error) {
	if err := validInstance(name); err != nil {
		return nil, err
	}
	inst := p.register(name, repo)

	inst.mu.Lock()
	defer inst.mu.Unlock()
	snap, err := p.regenerate(ctx, name, inst)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Open returns a reader over the current artifact of instance. When the
// cached snapshot is older than the maximum age it is regenerated first.
func (p *Publisher) Open(ctx context.Context, name string) (io.ReadCloser, *Snapshot, error) {
	inst, ok := p.lookup(name)
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", name, storage.ErrUnknownInstance)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.snap == nil || p.now().Sub(inst.snap.PublishedAt) > p.maxAge {
		if _, err := p.regenerate(ctx, name, inst); err != nil {
			return nil, nil, err
		}
	}
	f, err := p.fs.Open(inst.snap.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening snapshot of %s: %w", name, err)
	}
	snap := *inst.snap
	return f, &snap, nil
}

// Snapshot returns the cached snapshot of instance without regenerating.
func (p *Publisher) Snapshot(name string) (*Snapshot, bool) {
	inst, ok := p.lookup(name)
	if !ok {
		return nil, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.snap == nil {
		return nil, false
	}
	snap := *inst.snap
	return &snap, true
}

// Instances returns the registered instance names in sorted order.
func (p *Publisher) Instances() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.instances))
	for name := range p.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type candidate struct {
	cert *x509.Certificate
	rec  *storage.CertificateRecord
}

// newer reports whether a was issued after b: later NotBefore, then later
// issue date, then higher serial number.
func newer(a, b candidate) bool {
	if !a.cert.NotBefore.Equal(b.cert.NotBefore) {
		return a.cert.NotBefore.After(b.cert.NotBefore)
	}
	if !a.rec.IssueDate.Equal(b.rec.IssueDate) {
		return a.rec.IssueDate.After(b.rec.IssueDate)
	}
	return a.rec.SerialNumber.Cmp(b.rec.SerialNumber) > 0
}

// regenerate must be called with inst.mu held.
func (p *Publisher) regenerate(ctx context.Context, name string, inst *instance) (*Snapshot, error) {
	start := p.now()
	certs, err := p.collect(ctx, name, inst.repo, start)
	if err == nil {
		var der []byte
		der, err = p.encoder.Encode(certs)
		if err == nil {
			err = util.WriteFileAtomic(p.fs, Path(p.dataDir, name), der, 0o644)
		}
	}
	if err != nil {
		metrics.BundleRegenerations.WithLabelValues(name, "error").Inc()
		p.logger.Error("trust bundle regeneration failed", "instance", name, "error", err)
		return nil, fmt.Errorf("publishing snapshot of %s: %w", name, err)
	}

	inst.snap = &Snapshot{
		Instance:    name,
		Path:        Path(p.dataDir, name),
		PublishedAt: start,
		CertCount:   len(certs),
	}
	metrics.BundleRegenerations.WithLabelValues(name, "ok").Inc()
	metrics.BundleCertificates.WithLabelValues(name).Set(float64(len(certs)))
	p.logger.Info("trust bundle published", "instance", name,
		"certificates", len(certs), "path", inst.snap.Path)
	snap := *inst.snap
	return &snap, nil
}

func (p *Publisher) collect(ctx context.Context, name string, repo storage.Repository, now time.Time) ([]*x509.Certificate, error) {
	serials, err := repo.GetAllCertificateSerials(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing serials: %w", err)
	}

	var kept []candidate
	for _, serial := range serials {
		rec, err := repo.GetCertificate(ctx, serial)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", storage.SerialHex(serial), err)
		}
		if rec == nil || rec.Revoked {
			continue
		}
		cert, err := x509.ParseCertificate(rec.Certificate)
		if err != nil {
			p.logger.Warn("skipping unparseable certificate", "instance", name,
				"serial", storage.SerialHex(serial), "error", err)
			continue
		}
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			continue
		}
		c := candidate{cert: cert, rec: rec}
		replaced := false
		for i := range kept {
			if p.equivalent(kept[i].cert, cert) {
				if newer(c, kept[i]) {
					kept[i] = c
				}
				replaced = true
				break
			}
		}
		if !replaced {
			kept = append(kept, c)
		}
	}

	sort.Slice(kept, func(i, j int) bool {
		return kept[i].rec.SerialNumber.Cmp(kept[j].rec.SerialNumber) < 0
	})
	certs := make([]*x509.Certificate, len(kept))
	for i, c := range kept {
		certs[i] = c.cert
	}
	return certs, nil
}
