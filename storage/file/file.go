// Package file provides a storage.Repository that keeps all records of an
// instance in one JSON document on disk.
//
// The document is rewritten atomically after every mutation. Reads are
// served from an immutable in-memory snapshot that is replaced only after
// the write succeeded. A failed write puts the repository in the critical
// state: every later mutation is refused until the process restarts.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/jmcleod/castore/internal/metrics"
	"github.com/jmcleod/castore/internal/util"
	"github.com/jmcleod/castore/storage"
)

const fileMode = 0o600

// RepositoryPath returns the location of the repository document for
// instance below dataDir.
func RepositoryPath(dataDir, instance string) string {
	return filepath.Join(dataDir, "instances", instance, "repository", instance+"-repo.json")
}

// Store implements storage.Repository backed by a JSON file.
type Store struct {
	instance string
	path     string
	fs       afero.Fs
	logger   *slog.Logger

	mu    sync.Mutex // serializes mutations
	set   atomic.Pointer[storage.RecordSet]
	guard storage.CriticalGuard

	now func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for persistence failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open loads the repository document of instance, creating an empty one
// when none exists.
func Open(fs afero.Fs, dataDir, instance string, opts ...Option) (*Store, error) {
	s := &Store{
		instance: instance,
		path:     RepositoryPath(dataDir, instance),
		fs:       fs,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.guard.OnTrip = func(err error) {
		metrics.CriticalStateTrips.WithLabelValues("file", s.instance).Inc()
		s.logger.Error("repository entered critical state",
			"instance", s.instance, "path", s.path, "error", err)
	}

	set, err := s.load()
	if err != nil {
		return nil, err
	}
	s.set.Store(set)
	return s, nil
}

// Path returns the location of the repository document.
func (s *Store) Path() string { return s.path }

func (s *Store) load() (*storage.RecordSet, error) {
	data, err := util.ReadFileIfExists(s.fs, s.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	if data == nil {
		empty := storage.NewRecordSet()
		if err := s.write(empty); err != nil {
			return nil, fmt.Errorf("creating %s: %w", s.path, err)
		}
		return empty, nil
	}

	var stored []storage.StoredRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.path, err)
	}
	recs := make([]*storage.CertificateRecord, 0, len(stored))
	seen := make(map[string]bool, len(stored))
	for _, sr := range stored {
		rec, err := storage.DecodeRecord(sr)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", s.path, err)
		}
		if seen[sr.SerialNumber] {
			s.logger.Warn("duplicate serial in repository file, keeping the last entry",
				"instance", s.instance, "serial", sr.SerialNumber)
		}
		seen[sr.SerialNumber] = true
		recs = append(recs, rec)
	}
	return storage.NewRecordSet(recs...), nil
}

func (s *Store) write(set *storage.RecordSet) error {
	recs := set.Records()
	stored := make([]storage.StoredRecord, len(recs))
	for i, rec := range recs {
		stored[i] = storage.EncodeRecord(rec)
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(s.fs, s.path, data, fileMode)
}

// commit persists next and publishes it to readers. Must be called with
// s.mu held.
func (s *Store) commit(next *storage.RecordSet) error {
	if err := s.write(next); err != nil {
		return s.guard.Trip(err)
	}
	s.set.Store(next)
	return nil
}

func (s *Store) AddCertificate(ctx context.Context, der []byte, serial *big.Int, issueDate, expiryDate time.Time) error {
	if err := storage.CheckSerial(serial); err != nil {
		return err
	}
	if err := storage.CheckDates(issueDate, expiryDate); err != nil {
		return err
	}
	return s.insert(storage.NewRecord(der, serial, issueDate, expiryDate))
}

func (s *Store) AddExistingRecord(ctx context.Context, rec *storage.CertificateRecord) error {
	if rec == nil {
		return fmt.Errorf("nil record: %w", storage.ErrInvalidRecord)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.insert(rec)
}

func (s *Store) insert(rec *storage.CertificateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard.Check(); err != nil {
		return err
	}
	cur := s.set.Load()
	if cur.Has(rec.SerialNumber) {
		return fmt.Errorf("%s: %w", storage.SerialHex(rec.SerialNumber), storage.ErrDuplicateSerial)
	}
	return s.commit(cur.With(rec))
}

func (s *Store) GetCertificate(ctx context.Context, serial *big.Int) (*storage.CertificateRecord, error) {
	if serial == nil {
		return nil, storage.ErrMissingSerial
	}
	return s.set.Load().Get(serial), nil
}

func (s *Store) GetAllCertificateSerials(ctx context.Context) ([]*big.Int, error) {
	return s.set.Load().Serials(), nil
}

func (s *Store) GetCertificateCount(ctx context.Context, notRevokedOnly bool) (int, error) {
	return s.set.Load().Count(notRevokedOnly), nil
}

func (s *Store) GetCertificateRange(ctx context.Context, q storage.RangeQuery) ([]*storage.CertificateRecord, error) {
	return s.set.Load().Range(q), nil
}

func (s *Store) RevokeCertificate(ctx context.Context, serial *big.Int, reason storage.ReasonCode, at time.Time) error {
	if err := storage.ValidateRevocation(serial, reason); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard.Check(); err != nil {
		return err
	}
	cur := s.set.Load()
	rec := cur.Get(serial)
	if rec == nil {
		return fmt.Errorf("%s: %w", storage.SerialHex(serial), storage.ErrUnknownSerial)
	}
	next, err := storage.Transition(rec, reason, at)
	if err != nil {
		return err
	}
	return s.commit(cur.With(next))
}

func (s *Store) RemoveExpiredCertificates(ctx context.Context, grace time.Duration) ([]*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard.Check(); err != nil {
		return nil, err
	}
	cur := s.set.Load()
	expired := cur.Expired(s.now().Add(-grace))
	if len(expired) == 0 {
		return []*big.Int{}, nil
	}
	if err := s.commit(cur.Without(expired)); err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *Store) RevokedCertificates(ctx context.Context) ([]storage.RevokedCertificate, error) {
	return s.set.Load().Revoked(), nil
}

// Critical reports whether the store has stopped accepting writes.
func (s *Store) Critical() bool {
	return s.guard.Tripped()
}

// Close is a no-op; every mutation is already on disk.
func (s *Store) Close() error { return nil }
