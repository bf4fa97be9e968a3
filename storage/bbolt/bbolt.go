// Package bbolt provides a BBolt-backed certificate repository and CRL
// metadata store.
//
// Each instance gets its own bucket, nested under the top-level "records"
// bucket and keyed by hex serial number; values are storage.StoredRecord
// JSON documents. CRL metadata lives in a separate top-level bucket keyed
// by instance name, so no instance name can reach it.
package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/castore/internal/metrics"
	"github.com/jmcleod/castore/storage"
)

var recordsBucket = []byte("records")

// Store implements storage.Repository for one instance backed by a BBolt
// database.
type Store struct {
	db       *bbolt.DB
	instance string
	bucket   []byte
	ownsDB   bool
	logger   *slog.Logger

	mu    sync.Mutex // serializes mutations
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

// NewRepository returns a Repository for instance backed by the given
// BBolt database. The database stays owned by the caller.
func NewRepository(db *bbolt.DB, instance string, opts ...Option) *Store {
	s := &Store{
		db:       db,
		instance: instance,
		bucket:   []byte(instance),
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.guard.OnTrip = func(err error) {
		metrics.CriticalStateTrips.WithLabelValues("bbolt", s.instance).Inc()
		s.logger.Error("repository entered critical state", "instance", s.instance, "error", err)
	}
	return s
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns
// a Repository for instance that closes the database on Close.
func NewRepositoryFromFile(path, instance string, options *bbolt.Options, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s := NewRepository(db, instance, opts...)
	s.ownsDB = true
	return s, nil
}

// Close closes the underlying BBolt database if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// rejection marks an error raised by request validation or by an unreadable
// stored record inside a write transaction. It aborts the transaction
// without tripping the guard.
type rejection struct{ err error }

func (r *rejection) Error() string { return r.err.Error() }

func reject(err error) error { return &rejection{err: err} }

func (s *Store) update(fn func(b *bbolt.Bucket) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard.Check(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		parent, err := tx.CreateBucketIfNotExists(recordsBucket)
		if err != nil {
			return err
		}
		b, err := parent.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return fn(b)
	})
	var rej *rejection
	if errors.As(err, &rej) {
		return rej.err
	}
	if err != nil {
		return s.guard.Trip(err)
	}
	return nil
}

func (s *Store) view(fn func(b *bbolt.Bucket) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		parent := tx.Bucket(recordsBucket)
		if parent == nil {
			return nil
		}
		b := parent.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return fn(b)
	})
}

func putRecord(b *bbolt.Bucket, rec *storage.CertificateRecord) error {
	data, err := json.Marshal(storage.EncodeRecord(rec))
	if err != nil {
		return err
	}
	return b.Put([]byte(storage.SerialHex(rec.SerialNumber)), data)
}

func decodeRecord(data []byte) (*storage.CertificateRecord, error) {
	var sr storage.StoredRecord
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, err
	}
	return storage.DecodeRecord(sr)
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
	key := storage.SerialHex(rec.SerialNumber)
	return s.update(func(b *bbolt.Bucket) error {
		if b.Get([]byte(key)) != nil {
			return reject(fmt.Errorf("%s: %w", key, storage.ErrDuplicateSerial))
		}
		return putRecord(b, rec)
	})
}

func (s *Store) GetCertificate(ctx context.Context, serial *big.Int) (*storage.CertificateRecord, error) {
	if serial == nil {
		return nil, storage.ErrMissingSerial
	}
	var rec *storage.CertificateRecord
	err := s.view(func(b *bbolt.Bucket) error {
		data := b.Get([]byte(storage.SerialHex(serial)))
		if data == nil {
			return nil
		}
		var err error
		rec, err = decodeRecord(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) all() ([]*storage.CertificateRecord, error) {
	var recs []*storage.CertificateRecord
	err := s.view(func(b *bbolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("decoding record %s: %w", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

func (s *Store) GetAllCertificateSerials(ctx context.Context) ([]*big.Int, error) {
	serials := []*big.Int{}
	err := s.view(func(b *bbolt.Bucket) error {
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			serial, err := storage.ParseSerialHex(string(k))
			if err != nil {
				return err
			}
			serials = append(serials, serial)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i].Cmp(serials[j]) < 0 })
	return serials, nil
}

func (s *Store) GetCertificateCount(ctx context.Context, notRevokedOnly bool) (int, error) {
	if !notRevokedOnly {
		n := 0
		err := s.view(func(b *bbolt.Bucket) error {
			n = b.Stats().KeyN
			return nil
		})
		return n, err
	}
	recs, err := s.all()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if !rec.Revoked {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetCertificateRange(ctx context.Context, q storage.RangeQuery) ([]*storage.CertificateRecord, error) {
	if q.Empty() {
		return []*storage.CertificateRecord{}, nil
	}
	recs, err := s.all()
	if err != nil {
		return nil, err
	}
	return q.Apply(recs), nil
}

func (s *Store) RevokeCertificate(ctx context.Context, serial *big.Int, reason storage.ReasonCode, at time.Time) error {
	if err := storage.ValidateRevocation(serial, reason); err != nil {
		return err
	}
	key := storage.SerialHex(serial)
	return s.update(func(b *bbolt.Bucket) error {
		data := b.Get([]byte(key))
		if data == nil {
			return reject(fmt.Errorf("%s: %w", key, storage.ErrUnknownSerial))
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return reject(fmt.Errorf("decoding record %s: %w", key, err))
		}
		next, err := storage.Transition(rec, reason, at)
		if err != nil {
			return reject(err)
		}
		return putRecord(b, next)
	})
}

func (s *Store) RemoveExpiredCertificates(ctx context.Context, grace time.Duration) ([]*big.Int, error) {
	cutoff := s.now().Add(-grace)
	removed := []*big.Int{}
	err := s.update(func(b *bbolt.Bucket) error {
		removed = removed[:0]
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return reject(fmt.Errorf("decoding record %s: %w", k, err))
			}
			if rec.Expired(cutoff) {
				keys = append(keys, append([]byte(nil), k...))
				removed = append(removed, rec.SerialNumber)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Cmp(removed[j]) < 0 })
	return removed, nil
}

func (s *Store) RevokedCertificates(ctx context.Context) ([]storage.RevokedCertificate, error) {
	recs, err := s.all()
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].SerialNumber.Cmp(recs[j].SerialNumber) < 0 })
	return storage.RevokedFromRecords(recs), nil
}
