package memory

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/castore/storage"
	"github.com/jmcleod/castore/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.RunRepositoryTests(t, func(t *testing.T) storage.Repository {
		return NewRepository("test")
	})
}

func TestMemoryMetadataStore(t *testing.T) {
	storagetest.RunMetadataStoreTests(t, NewMetadataStore())
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	repo := NewRepository("test")
	now := storagetest.Now()
	storagetest.Add(t, repo, 1, now, time.Hour)

	got, err := repo.GetCertificate(t.Context(), big.NewInt(1))
	require.NoError(t, err)
	got.Revoked = true
	got.Certificate[0] = 'X'
	got.SerialNumber.SetInt64(77)

	again, err := repo.GetCertificate(t.Context(), big.NewInt(1))
	require.NoError(t, err)
	assert.False(t, again.Revoked)
	assert.Equal(t, storagetest.DER(1), again.Certificate)
}
