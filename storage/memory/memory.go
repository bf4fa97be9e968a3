// Package memory provides thread-safe in-memory implementations of
// storage.Repository and storage.MetadataStore.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmcleod/castore/storage"
)

// Repository is an in-memory certificate repository for one instance.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	instance string

	mu  sync.Mutex // serializes mutations
	set atomic.Pointer[storage.RecordSet]

	now func() time.Time
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository(instance string) *Repository {
	r := &Repository{instance: instance, now: time.Now}
	r.set.Store(storage.NewRecordSet())
	return r
}

// Instance returns the instance this repository is bound to.
func (r *Repository) Instance() string { return r.instance }

func (r *Repository) AddCertificate(ctx context.Context, der []byte, serial *big.Int, issueDate, expiryDate time.Time) error {
	if err := storage.CheckSerial(serial); err != nil {
		return err
	}
	if err := storage.CheckDates(issueDate, expiryDate); err != nil {
		return err
	}
	return r.insert(storage.NewRecord(der, serial, issueDate, expiryDate))
}

func (r *Repository) AddExistingRecord(ctx context.Context, rec *storage.CertificateRecord) error {
	if rec == nil {
		return fmt.Errorf("nil record: %w", storage.ErrInvalidRecord)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	return r.insert(rec)
}

func (r *Repository) insert(rec *storage.CertificateRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.set.Load()
	if cur.Has(rec.SerialNumber) {
		return fmt.Errorf("%s: %w", storage.SerialHex(rec.SerialNumber), storage.ErrDuplicateSerial)
	}
	r.set.Store(cur.With(rec))
	return nil
}

func (r *Repository) GetCertificate(ctx context.Context, serial *big.Int) (*storage.CertificateRecord, error) {
	if serial == nil {
		return nil, storage.ErrMissingSerial
	}
	return r.set.Load().Get(serial), nil
}

func (r *Repository) GetAllCertificateSerials(ctx context.Context) ([]*big.Int, error) {
	return r.set.Load().Serials(), nil
}

func (r *Repository) GetCertificateCount(ctx context.Context, notRevokedOnly bool) (int, error) {
	return r.set.Load().Count(notRevokedOnly), nil
}

func (r *Repository) GetCertificateRange(ctx context.Context, q storage.RangeQuery) ([]*storage.CertificateRecord, error) {
	return r.set.Load().Range(q), nil
}

func (r *Repository) RevokeCertificate(ctx context.Context, serial *big.Int, reason storage.ReasonCode, at time.Time) error {
	if err := storage.ValidateRevocation(serial, reason); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.set.Load()
	rec := cur.Get(serial)
	if rec == nil {
		return fmt.Errorf("%s: %w", storage.SerialHex(serial), storage.ErrUnknownSerial)
	}
	next, err := storage.Transition(rec, reason, at)
	if err != nil {
		return err
	}
	r.set.Store(cur.With(next))
	return nil
}

func (r *Repository) RemoveExpiredCertificates(ctx context.Context, grace time.Duration) ([]*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.set.Load()
	expired := cur.Expired(r.now().Add(-grace))
	if len(expired) == 0 {
		return []*big.Int{}, nil
	}
	r.set.Store(cur.Without(expired))
	return expired, nil
}

func (r *Repository) RevokedCertificates(ctx context.Context) ([]storage.RevokedCertificate, error) {
	return r.set.Load().Revoked(), nil
}

// Close is a no-op.
func (r *Repository) Close() error { return nil }
