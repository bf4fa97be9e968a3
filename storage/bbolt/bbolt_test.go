package bbolt

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/castore/storage"
	"github.com/jmcleod/castore/storage/storagetest"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "castore-test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBBoltRepository(t *testing.T) {
	storagetest.RunRepositoryTests(t, func(t *testing.T) storage.Repository {
		return NewRepository(newTestDB(t), "test")
	})
}

func TestBBoltMetadataStore(t *testing.T) {
	store, err := NewMetadataStore(newTestDB(t))
	require.NoError(t, err)
	storagetest.RunMetadataStoreTests(t, store)
}

func TestInstancesAreIsolated(t *testing.T) {
	db := newTestDB(t)
	a := NewRepository(db, "a")
	b := NewRepository(db, "b")
	now := storagetest.Now()

	storagetest.Add(t, a, 1, now, time.Hour)
	storagetest.Add(t, b, 1, now, time.Hour)

	got, err := b.GetCertificate(t.Context(), big.NewInt(2))
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := a.GetCertificateCount(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, a.Close(), "closing a shared-db store must not close the db")
	n, err = b.GetCertificateCount(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSerialsSortedNumerically(t *testing.T) {
	s := NewRepository(newTestDB(t), "test")
	now := storagetest.Now()
	for _, n := range []int64{0x100, 0x2, 0x1f, 0xa} {
		storagetest.Add(t, s, n, now, time.Hour)
	}

	serials, err := s.GetAllCertificateSerials(t.Context())
	require.NoError(t, err)
	got := make([]int64, len(serials))
	for i, serial := range serials {
		got[i] = serial.Int64()
	}
	assert.Equal(t, []int64{0x2, 0xa, 0x1f, 0x100}, got)
}

func TestValidationErrorsDoNotTripGuard(t *testing.T) {
	s := NewRepository(newTestDB(t), "test")
	now := storagetest.Now()
	storagetest.Add(t, s, 1, now, time.Hour)

	require.ErrorIs(t, s.AddCertificate(t.Context(), nil, big.NewInt(1), now, now), storage.ErrDuplicateSerial)
	require.ErrorIs(t, s.RevokeCertificate(t.Context(), big.NewInt(1), storage.ReasonRemoveFromCRL, now), storage.ErrNotOnHold)
	assert.False(t, s.guard.Tripped())

	storagetest.Add(t, s, 2, now, time.Hour)
}

func TestFromFileOwnsDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owned.db")
	s, err := NewRepositoryFromFile(path, "test", nil)
	require.NoError(t, err)
	storagetest.Add(t, s, 1, storagetest.Now(), time.Hour)
	require.NoError(t, s.Close())

	s, err = NewRepositoryFromFile(path, "test", nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetCertificate(t.Context(), big.NewInt(1))
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestInstanceCannotReachMetadata(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)
	meta, err := NewMetadataStore(db)
	require.NoError(t, err)
	md := &storage.CRLMetadata{CRLNumber: big.NewInt(4)}
	require.NoError(t, meta.StoreCRLMetadata(ctx, "ca1", md))

	s := NewRepository(db, string(metadataBucket))
	require.NoError(t, s.AddCertificate(ctx, storagetest.DER(0xca1), big.NewInt(0xca1), storagetest.Now(), storagetest.Now().Add(time.Hour)))

	serials, err := s.GetAllCertificateSerials(ctx)
	require.NoError(t, err)
	require.Len(t, serials, 1)
	assert.Equal(t, int64(0xca1), serials[0].Int64())

	got, err := meta.GetCRLMetadata(ctx, "ca1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(4), got.CRLNumber.Int64())
}

func TestCorruptRecordDoesNotTripGuard(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)
	s := NewRepository(db, "test")
	now := storagetest.Now()
	storagetest.Add(t, s, 1, now, time.Hour)

	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).Bucket([]byte("test")).Put([]byte("5"), []byte("{not json"))
	}))

	err := s.RevokeCertificate(ctx, big.NewInt(5), storage.ReasonKeyCompromise, now)
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrCriticalState)

	_, err = s.RemoveExpiredCertificates(ctx, 0)
	require.Error(t, err)
	assert.False(t, s.guard.Tripped())

	storagetest.Add(t, s, 2, now, time.Hour)
	require.NoError(t, s.RevokeCertificate(ctx, big.NewInt(1), storage.ReasonSuperseded, now))
}
