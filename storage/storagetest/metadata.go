package storagetest

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/castore/storage"
)

// RunMetadataStoreTests exercises the storage.MetadataStore contract.
// The instance names used are "alpha" and "beta".
func RunMetadataStoreTests(t *testing.T, store storage.MetadataStore) {
	ctx := t.Context()
	now := Now()

	md, err := store.GetCRLMetadata(ctx, "alpha")
	require.NoError(t, err)
	assert.Nil(t, md)

	baseline := &storage.CRLMetadata{CRLNumber: big.NewInt(0)}
	require.NoError(t, store.StoreCRLMetadata(ctx, "alpha", baseline))

	md, err = store.GetCRLMetadata(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, int64(0), md.CRLNumber.Int64())
	assert.True(t, md.IssueTime.IsZero())
	assert.True(t, md.NextUpdate.IsZero())

	next := &storage.CRLMetadata{
		CRLNumber:        big.NewInt(5),
		IssueTime:        now,
		NextUpdate:       now.Add(24 * time.Hour),
		RevokedCertCount: 3,
	}
	ok, err := store.AdvanceCRLMetadata(ctx, "alpha", next)
	require.NoError(t, err)
	assert.True(t, ok)

	stale := &storage.CRLMetadata{CRLNumber: big.NewInt(4), IssueTime: now}
	ok, err = store.AdvanceCRLMetadata(ctx, "alpha", stale)
	require.NoError(t, err)
	assert.False(t, ok)

	same := &storage.CRLMetadata{CRLNumber: big.NewInt(5), IssueTime: now}
	ok, err = store.AdvanceCRLMetadata(ctx, "alpha", same)
	require.NoError(t, err)
	assert.False(t, ok)

	md, err = store.GetCRLMetadata(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(5), md.CRLNumber.Int64())
	assert.Equal(t, now.UnixMilli(), md.IssueTime.UnixMilli())
	assert.Equal(t, now.Add(24*time.Hour).UnixMilli(), md.NextUpdate.UnixMilli())
	assert.Equal(t, 3, md.RevokedCertCount)

	// Large numbers compare numerically, not lexically.
	big1 := new(big.Int).Lsh(big.NewInt(1), 100)
	ok, err = store.AdvanceCRLMetadata(ctx, "alpha", &storage.CRLMetadata{CRLNumber: big1})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.AdvanceCRLMetadata(ctx, "alpha", &storage.CRLMetadata{CRLNumber: big.NewInt(0xff)})
	require.NoError(t, err)
	assert.False(t, ok)

	// Instances are independent.
	ok, err = store.AdvanceCRLMetadata(ctx, "beta", &storage.CRLMetadata{CRLNumber: big.NewInt(1)})
	require.NoError(t, err)
	assert.True(t, ok)

	require.ErrorIs(t, store.StoreCRLMetadata(ctx, "alpha", &storage.CRLMetadata{}), storage.ErrInvalidRecord)
}
