// Package postgres implements storage.Repository and storage.MetadataStore
// backed by PostgreSQL.
//
// Records of all instances share the certificate_records table keyed by
// (instance, serial_number). Serial numbers are stored as lowercase hex
// without leading zeros, so ordering by (length, text) is numeric order.
// Timestamps are epoch milliseconds with -1 meaning absent.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/castore/internal/metrics"
	"github.com/jmcleod/castore/storage"
)

// DefaultPageSize is the batch size of keyset scans over serial numbers.
const DefaultPageSize = 1000

const serialOrder = `length(serial_number), serial_number`

// Store implements storage.Repository for one instance backed by PostgreSQL.
type Store struct {
	pool     *pgxpool.Pool
	instance string
	ownsPool bool
	logger   *slog.Logger
	pageSize int

	retryInterval time.Duration
	retryTimeout  time.Duration

	mu    sync.Mutex // serializes mutations
	guard storage.CriticalGuard

	now func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for retries and persistence failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPageSize sets the batch size of serial number scans.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithReadRetry overrides the fixed retry interval and total budget of
// record lookups.
func WithReadRetry(interval, timeout time.Duration) Option {
	return func(s *Store) {
		s.retryInterval = interval
		s.retryTimeout = timeout
	}
}

// NewRepository returns a Repository for instance backed by the given pgx
// connection pool. The pool stays owned by the caller.
func NewRepository(pool *pgxpool.Pool, instance string, opts ...Option) *Store {
	s := &Store{
		pool:          pool,
		instance:      instance,
		logger:        slog.New(slog.DiscardHandler),
		pageSize:      DefaultPageSize,
		retryInterval: defaultRetryInterval,
		retryTimeout:  defaultRetryTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.guard.OnTrip = func(err error) {
		metrics.CriticalStateTrips.WithLabelValues("postgres", s.instance).Inc()
		s.logger.Error("repository entered critical state", "instance", s.instance, "error", err)
	}
	return s
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a Repository that closes the pool on Close.
func NewRepositoryFromDSN(ctx context.Context, dsn, instance string, opts ...Option) (*Store, error) {
	pool, err := Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := NewRepository(pool, instance, opts...)
	s.ownsPool = true
	return s, nil
}

// Connect opens a pool and ensures the schema exists.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return pool, nil
}

// Close closes the connection pool if the store created it.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const recordColumns = `serial_number, certificate, issue_date, expiry_date, revoked, reason, revocation_time`

func scanRecord(row scanner) (*storage.CertificateRecord, error) {
	var (
		sr     storage.StoredRecord
		reason *int
	)
	if err := row.Scan(&sr.SerialNumber, &sr.Certificate, &sr.IssueDate, &sr.ExpiryDate,
		&sr.Revoked, &reason, &sr.RevocationTime); err != nil {
		return nil, err
	}
	sr.Reason = reason
	return storage.DecodeRecord(sr)
}

func (s *Store) AddCertificate(ctx context.Context, der []byte, serial *big.Int, issueDate, expiryDate time.Time) error {
	if err := storage.CheckSerial(serial); err != nil {
		return err
	}
	if err := storage.CheckDates(issueDate, expiryDate); err != nil {
		return err
	}
	return s.insert(ctx, storage.NewRecord(der, serial, issueDate, expiryDate))
}

func (s *Store) AddExistingRecord(ctx context.Context, rec *storage.CertificateRecord) error {
	if rec == nil {
		return fmt.Errorf("nil record: %w", storage.ErrInvalidRecord)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.insert(ctx, rec)
}

func (s *Store) insert(ctx context.Context, rec *storage.CertificateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard.Check(); err != nil {
		return err
	}
	sr := storage.EncodeRecord(rec)
	if sr.Certificate == nil {
		sr.Certificate = []byte{}
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO certificate_records (instance, `+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (instance, serial_number) DO NOTHING`,
		s.instance, sr.SerialNumber, sr.Certificate, sr.IssueDate, sr.ExpiryDate,
		sr.Revoked, sr.Reason, sr.RevocationTime)
	if err != nil {
		return s.guard.Trip(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", sr.SerialNumber, storage.ErrDuplicateSerial)
	}
	return nil
}

func (s *Store) GetCertificate(ctx context.Context, serial *big.Int) (*storage.CertificateRecord, error) {
	if serial == nil {
		return nil, storage.ErrMissingSerial
	}
	var rec *storage.CertificateRecord
	err := s.retryRead(ctx, "get certificate", func() error {
		var err error
		rec, err = scanRecord(s.pool.QueryRow(ctx,
			`SELECT `+recordColumns+` FROM certificate_records
			 WHERE instance = $1 AND serial_number = $2`,
			s.instance, storage.SerialHex(serial)))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetAllCertificateSerials walks the table with keyset pagination so that
// concurrent inserts never cause a serial to be skipped.
func (s *Store) GetAllCertificateSerials(ctx context.Context) ([]*big.Int, error) {
	serials := []*big.Int{}
	after := ""
	for {
		rows, err := s.pool.Query(ctx,
			`SELECT serial_number FROM certificate_records
			 WHERE instance = $1 AND (length(serial_number), serial_number) > (length($2::text), $2::text)
			 ORDER BY `+serialOrder+` LIMIT $3`,
			s.instance, after, s.pageSize)
		if err != nil {
			return nil, err
		}
		keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			serial, err := storage.ParseSerialHex(k)
			if err != nil {
				return nil, err
			}
			serials = append(serials, serial)
		}
		if len(keys) < s.pageSize {
			return serials, nil
		}
		after = keys[len(keys)-1]
	}
}

func (s *Store) GetCertificateCount(ctx context.Context, notRevokedOnly bool) (int, error) {
	sql := `SELECT count(*) FROM certificate_records WHERE instance = $1`
	if notRevokedOnly {
		sql += ` AND NOT revoked`
	}
	var n int
	if err := s.pool.QueryRow(ctx, sql, s.instance).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func rangeSQL(q storage.RangeQuery) string {
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	order := fmt.Sprintf("length(serial_number) %[1]s, serial_number %[1]s", dir)
	if q.SortBy == storage.SortByIssueDate {
		order = fmt.Sprintf("issue_date %s, %s", dir, order)
	}
	where := "instance = $1"
	switch q.Filter {
	case storage.FilterNotRevoked:
		where += " AND NOT revoked"
	case storage.FilterRevokedOnly:
		where += " AND revoked"
	}
	return `SELECT ` + recordColumns + ` FROM certificate_records WHERE ` + where +
		` ORDER BY ` + order + ` LIMIT $2 OFFSET $3`
}

func (s *Store) GetCertificateRange(ctx context.Context, q storage.RangeQuery) ([]*storage.CertificateRecord, error) {
	if q.Empty() {
		return []*storage.CertificateRecord{}, nil
	}
	rows, err := s.pool.Query(ctx, rangeSQL(q), s.instance, q.PageSize, q.Offset())
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]*storage.CertificateRecord, error) {
	defer rows.Close()
	recs := []*storage.CertificateRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
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

	key := storage.SerialHex(serial)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM certificate_records
		 WHERE instance = $1 AND serial_number = $2
		 FOR UPDATE`,
		s.instance, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", key, storage.ErrUnknownSerial)
	}
	if err != nil {
		return err
	}

	next, err := storage.Transition(rec, reason, at)
	if err != nil {
		return err
	}
	sr := storage.EncodeRecord(next)
	if _, err := tx.Exec(ctx,
		`UPDATE certificate_records SET revoked = $3, reason = $4, revocation_time = $5
		 WHERE instance = $1 AND serial_number = $2`,
		s.instance, key, sr.Revoked, sr.Reason, sr.RevocationTime); err != nil {
		return s.guard.Trip(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.guard.Trip(err)
	}
	return nil
}

// RemoveExpiredCertificates deletes expired records one at a time. A
// record that disappears between the scan and its delete is not reported.
func (s *Store) RemoveExpiredCertificates(ctx context.Context, grace time.Duration) ([]*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard.Check(); err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-grace).UnixMilli()
	rows, err := s.pool.Query(ctx,
		`SELECT serial_number FROM certificate_records
		 WHERE instance = $1 AND expiry_date >= 0 AND expiry_date < $2
		 ORDER BY `+serialOrder,
		s.instance, cutoff)
	if err != nil {
		return nil, err
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	removed := []*big.Int{}
	for _, key := range keys {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM certificate_records WHERE instance = $1 AND serial_number = $2`,
			s.instance, key)
		if err != nil {
			return removed, s.guard.Trip(err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		serial, err := storage.ParseSerialHex(key)
		if err != nil {
			return removed, err
		}
		removed = append(removed, serial)
	}
	return removed, nil
}

func (s *Store) RevokedCertificates(ctx context.Context) ([]storage.RevokedCertificate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM certificate_records
		 WHERE instance = $1 AND revoked
		 ORDER BY `+serialOrder,
		s.instance)
	if err != nil {
		return nil, err
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	return storage.RevokedFromRecords(recs), nil
}
