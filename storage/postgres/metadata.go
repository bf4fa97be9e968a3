package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/castore/storage"
)

// MetadataStore implements storage.MetadataStore in the crl_metadata table.
type MetadataStore struct {
	pool *pgxpool.Pool
}

var _ storage.MetadataStore = (*MetadataStore)(nil)

// NewMetadataStore returns a metadata store backed by pool. The schema must
// already exist (see EnsureSchema).
func NewMetadataStore(pool *pgxpool.Pool) *MetadataStore {
	return &MetadataStore{pool: pool}
}

func (m *MetadataStore) GetCRLMetadata(ctx context.Context, instance string) (*storage.CRLMetadata, error) {
	var sm storage.StoredCRLMetadata
	err := m.pool.QueryRow(ctx,
		`SELECT crl_number, issue_time, next_update, rev_count
		 FROM crl_metadata WHERE instance = $1`,
		instance).Scan(&sm.CRLNumber, &sm.IssueTime, &sm.NextUpdate, &sm.RevCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return storage.DecodeCRLMetadata(sm)
}

func (m *MetadataStore) StoreCRLMetadata(ctx context.Context, instance string, md *storage.CRLMetadata) error {
	if err := md.Validate(); err != nil {
		return err
	}
	sm := storage.EncodeCRLMetadata(md)
	_, err := m.pool.Exec(ctx,
		`INSERT INTO crl_metadata (instance, crl_number, issue_time, next_update, rev_count)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (instance) DO UPDATE SET
		   crl_number = EXCLUDED.crl_number, issue_time = EXCLUDED.issue_time,
		   next_update = EXCLUDED.next_update, rev_count = EXCLUDED.rev_count`,
		instance, sm.CRLNumber, sm.IssueTime, sm.NextUpdate, sm.RevCount)
	return err
}

// AdvanceCRLMetadata is a single guarded upsert: the update branch only
// applies when the new hex number is numerically greater than the stored
// one.
func (m *MetadataStore) AdvanceCRLMetadata(ctx context.Context, instance string, md *storage.CRLMetadata) (bool, error) {
	if err := md.Validate(); err != nil {
		return false, err
	}
	sm := storage.EncodeCRLMetadata(md)
	tag, err := m.pool.Exec(ctx,
		`INSERT INTO crl_metadata (instance, crl_number, issue_time, next_update, rev_count)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (instance) DO UPDATE SET
		   crl_number = EXCLUDED.crl_number, issue_time = EXCLUDED.issue_time,
		   next_update = EXCLUDED.next_update, rev_count = EXCLUDED.rev_count
		 WHERE length(crl_metadata.crl_number) < length(EXCLUDED.crl_number)
		    OR (length(crl_metadata.crl_number) = length(EXCLUDED.crl_number)
		        AND crl_metadata.crl_number < EXCLUDED.crl_number)`,
		instance, sm.CRLNumber, sm.IssueTime, sm.NextUpdate, sm.RevCount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
