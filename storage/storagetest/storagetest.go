// Package storagetest provides a behavioural test suite shared by every
// storage.Repository backend.
package storagetest

import (
	"fmt"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/castore/storage"
)

// Factory returns a fresh, empty repository. It is called once per subtest.
type Factory func(t *testing.T) storage.Repository

// Now returns the current time truncated to the millisecond precision the
// persisted backends keep.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// DER returns placeholder certificate bytes for serial n.
func DER(n int64) []byte {
	return []byte(fmt.Sprintf("cert-%d", n))
}

// Add stores a non-revoked record for serial n valid from issue for ttl.
func Add(t *testing.T, repo storage.Repository, n int64, issue time.Time, ttl time.Duration) {
	t.Helper()
	require.NoError(t, repo.AddCertificate(t.Context(), DER(n), big.NewInt(n), issue, issue.Add(ttl)))
}

// RunRepositoryTests exercises the storage.Repository contract.
func RunRepositoryTests(t *testing.T, newRepo Factory) {
	t.Run("AddAndGet", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		Add(t, repo, 7, now, time.Hour)

		got, err := repo.GetCertificate(t.Context(), big.NewInt(7))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 0, got.SerialNumber.Cmp(big.NewInt(7)))
		assert.Equal(t, DER(7), got.Certificate)
		assert.Equal(t, now.UnixMilli(), got.IssueDate.UnixMilli())
		assert.Equal(t, now.Add(time.Hour).UnixMilli(), got.ExpiryDate.UnixMilli())
		assert.False(t, got.Revoked)
		assert.Nil(t, got.Reason)
		assert.True(t, got.RevocationTime.IsZero())
	})

	t.Run("GetAbsent", func(t *testing.T) {
		repo := newRepo(t)
		got, err := repo.GetCertificate(t.Context(), big.NewInt(99))
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("DuplicateSerial", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		Add(t, repo, 1, now, time.Hour)

		err := repo.AddCertificate(t.Context(), []byte("other"), big.NewInt(1), now, now.Add(2*time.Hour))
		require.ErrorIs(t, err, storage.ErrDuplicateSerial)

		got, err := repo.GetCertificate(t.Context(), big.NewInt(1))
		require.NoError(t, err)
		assert.Equal(t, DER(1), got.Certificate)
		assert.Equal(t, now.Add(time.Hour).UnixMilli(), got.ExpiryDate.UnixMilli())

		err = repo.AddExistingRecord(t.Context(), storage.NewRecord([]byte("x"), big.NewInt(1), now, now))
		require.ErrorIs(t, err, storage.ErrDuplicateSerial)
	})

	t.Run("InvalidSerial", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		err := repo.AddCertificate(t.Context(), DER(1), nil, now, now)
		require.ErrorIs(t, err, storage.ErrMissingSerial)
		err = repo.AddCertificate(t.Context(), DER(1), big.NewInt(-5), now, now)
		require.ErrorIs(t, err, storage.ErrInvalidSerial)
	})

	t.Run("AddExistingRecordKeepsRevocation", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		reason := storage.ReasonKeyCompromise
		rec := &storage.CertificateRecord{
			SerialNumber:   big.NewInt(12),
			Certificate:    DER(12),
			IssueDate:      now,
			ExpiryDate:     now.Add(time.Hour),
			Revoked:        true,
			Reason:         &reason,
			RevocationTime: now,
		}
		require.NoError(t, repo.AddExistingRecord(t.Context(), rec))

		got, err := repo.GetCertificate(t.Context(), big.NewInt(12))
		require.NoError(t, err)
		require.NotNil(t, got.Reason)
		assert.True(t, got.Revoked)
		assert.Equal(t, storage.ReasonKeyCompromise, *got.Reason)
		assert.Equal(t, now.UnixMilli(), got.RevocationTime.UnixMilli())

		bad := rec.Clone()
		bad.SerialNumber = big.NewInt(13)
		bad.Reason = nil
		require.ErrorIs(t, repo.AddExistingRecord(t.Context(), bad), storage.ErrInvalidRecord)
	})

	t.Run("SerialsAndCounts", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		for i := int64(1); i <= 5; i++ {
			Add(t, repo, i, now, time.Hour)
		}
		require.NoError(t, repo.RevokeCertificate(t.Context(), big.NewInt(2), storage.ReasonSuperseded, now))

		serials, err := repo.GetAllCertificateSerials(t.Context())
		require.NoError(t, err)
		assert.Len(t, serials, 5)

		all, err := repo.GetCertificateCount(t.Context(), false)
		require.NoError(t, err)
		assert.Equal(t, 5, all)
		active, err := repo.GetCertificateCount(t.Context(), true)
		require.NoError(t, err)
		assert.Equal(t, 4, active)
	})

	t.Run("Range", func(t *testing.T) {
		repo := newRepo(t)
		base := Now()
		for i := int64(1); i <= 42; i++ {
			// Issue dates run opposite to serials.
			Add(t, repo, i, base.Add(-time.Duration(i)*time.Minute), 24*time.Hour)
		}

		page, err := repo.GetCertificateRange(t.Context(), storage.RangeQuery{Page: 4, PageSize: 10})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, int64(41), page[0].SerialNumber.Int64())
		assert.Equal(t, int64(42), page[1].SerialNumber.Int64())

		page, err = repo.GetCertificateRange(t.Context(), storage.RangeQuery{Page: 4, PageSize: 10, Filter: storage.FilterRevokedOnly})
		require.NoError(t, err)
		assert.Empty(t, page)

		page, err = repo.GetCertificateRange(t.Context(), storage.RangeQuery{Page: 5, PageSize: 10})
		require.NoError(t, err)
		assert.Empty(t, page)

		page, err = repo.GetCertificateRange(t.Context(), storage.RangeQuery{Page: math.MaxInt/10 + 1, PageSize: 10})
		require.NoError(t, err)
		assert.Empty(t, page)

		page, err = repo.GetCertificateRange(t.Context(), storage.RangeQuery{Page: 1, PageSize: math.MaxInt})
		require.NoError(t, err)
		assert.Empty(t, page)

		page, err = repo.GetCertificateRange(t.Context(), storage.RangeQuery{Page: 0, PageSize: math.MaxInt})
		require.NoError(t, err)
		assert.Len(t, page, 42)

		page, err = repo.GetCertificateRange(t.Context(), storage.RangeQuery{Page: 0, PageSize: 0})
		require.NoError(t, err)
		assert.Empty(t, page)

		page, err = repo.GetCertificateRange(t.Context(), storage.RangeQuery{Page: -3, PageSize: 3, SortBy: storage.SortByIssueDate})
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, int64(42), page[0].SerialNumber.Int64())
		assert.Equal(t, int64(40), page[2].SerialNumber.Int64())

		page, err = repo.GetCertificateRange(t.Context(), storage.RangeQuery{PageSize: 2, Descending: true})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, int64(42), page[0].SerialNumber.Int64())

		require.NoError(t, repo.RevokeCertificate(t.Context(), big.NewInt(3), storage.ReasonKeyCompromise, base))
		page, err = repo.GetCertificateRange(t.Context(), storage.RangeQuery{PageSize: 100, Filter: storage.FilterRevokedOnly})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, int64(3), page[0].SerialNumber.Int64())

		page, err = repo.GetCertificateRange(t.Context(), storage.RangeQuery{PageSize: 100, Filter: storage.FilterNotRevoked})
		require.NoError(t, err)
		assert.Len(t, page, 41)
	})

	t.Run("RevocationLifecycle", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		Add(t, repo, 5, now, time.Hour)
		serial := big.NewInt(5)

		require.ErrorIs(t, repo.RevokeCertificate(t.Context(), serial, storage.ReasonRemoveFromCRL, now), storage.ErrNotOnHold)

		holdAt := now.Add(-time.Minute)
		require.NoError(t, repo.RevokeCertificate(t.Context(), serial, storage.ReasonCertificateHold, holdAt))
		got, err := repo.GetCertificate(t.Context(), serial)
		require.NoError(t, err)
		assert.Equal(t, storage.StateHold, got.State())
		assert.Equal(t, holdAt.UnixMilli(), got.RevocationTime.UnixMilli())

		require.NoError(t, repo.RevokeCertificate(t.Context(), serial, storage.ReasonCertificateHold, now))
		got, err = repo.GetCertificate(t.Context(), serial)
		require.NoError(t, err)
		assert.Equal(t, holdAt.UnixMilli(), got.RevocationTime.UnixMilli())

		require.NoError(t, repo.RevokeCertificate(t.Context(), serial, storage.ReasonRemoveFromCRL, now))
		got, err = repo.GetCertificate(t.Context(), serial)
		require.NoError(t, err)
		assert.Equal(t, storage.StateActive, got.State())
		assert.Nil(t, got.Reason)
		assert.True(t, got.RevocationTime.IsZero())

		require.NoError(t, repo.RevokeCertificate(t.Context(), serial, storage.ReasonKeyCompromise, now))
		require.ErrorIs(t, repo.RevokeCertificate(t.Context(), serial, storage.ReasonSuperseded, now), storage.ErrAlreadyRevoked)
		require.ErrorIs(t, repo.RevokeCertificate(t.Context(), serial, storage.ReasonRemoveFromCRL, now), storage.ErrAlreadyPermanentlyRevoked)

		revoked, err := repo.RevokedCertificates(t.Context())
		require.NoError(t, err)
		require.Len(t, revoked, 1)
		assert.Equal(t, storage.ReasonKeyCompromise, revoked[0].Reason)
	})

	t.Run("RevokeValidation", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		require.ErrorIs(t, repo.RevokeCertificate(t.Context(), nil, storage.ReasonKeyCompromise, now), storage.ErrMissingSerial)
		require.ErrorIs(t, repo.RevokeCertificate(t.Context(), big.NewInt(1), storage.ReasonCode(11), now), storage.ErrInvalidReasonCode)
		require.ErrorIs(t, repo.RevokeCertificate(t.Context(), big.NewInt(1), storage.ReasonKeyCompromise, now), storage.ErrUnknownSerial)
	})

	t.Run("RemoveExpired", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		require.NoError(t, repo.AddCertificate(t.Context(), DER(1), big.NewInt(1), now.Add(-time.Hour), now.Add(-time.Second)))
		Add(t, repo, 2, now, time.Hour)

		removed, err := repo.RemoveExpiredCertificates(t.Context(), 0)
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, int64(1), removed[0].Int64())

		removed, err = repo.RemoveExpiredCertificates(t.Context(), 0)
		require.NoError(t, err)
		assert.Empty(t, removed)

		got, err := repo.GetCertificate(t.Context(), big.NewInt(2))
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("DatesBefore1970Rejected", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		old := time.Date(1969, time.July, 20, 20, 17, 0, 0, time.UTC)

		err := repo.AddCertificate(t.Context(), DER(3), big.NewInt(3), old, now)
		require.ErrorIs(t, err, storage.ErrInvalidRecord)
		err = repo.AddCertificate(t.Context(), DER(3), big.NewInt(3), now, old)
		require.ErrorIs(t, err, storage.ErrInvalidRecord)
		n, err := repo.GetCertificateCount(t.Context(), false)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		Add(t, repo, 3, now, time.Hour)
		err = repo.RevokeCertificate(t.Context(), big.NewInt(3), storage.ReasonKeyCompromise, old)
		require.ErrorIs(t, err, storage.ErrInvalidRecord)
		got, err := repo.GetCertificate(t.Context(), big.NewInt(3))
		require.NoError(t, err)
		assert.Equal(t, storage.StateActive, got.State())

		// The epoch itself is representable.
		epoch := time.Unix(0, 0).UTC()
		Add(t, repo, 4, epoch, time.Hour)
		got, err = repo.GetCertificate(t.Context(), big.NewInt(4))
		require.NoError(t, err)
		assert.True(t, epoch.Equal(got.IssueDate))
	})

	t.Run("ConcurrentAddsRejectDuplicates", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		wins := race(t, 16, func() error {
			return repo.AddCertificate(t.Context(), DER(1), big.NewInt(1), now, now.Add(time.Hour))
		}, storage.ErrDuplicateSerial)
		assert.Equal(t, 1, wins)

		n, err := repo.GetCertificateCount(t.Context(), false)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("ConcurrentRevocationsApplyOnce", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		Add(t, repo, 9, now, time.Hour)
		wins := race(t, 16, func() error {
			return repo.RevokeCertificate(t.Context(), big.NewInt(9), storage.ReasonKeyCompromise, now)
		}, storage.ErrAlreadyRevoked)
		assert.Equal(t, 1, wins)

		revoked, err := repo.RevokedCertificates(t.Context())
		require.NoError(t, err)
		assert.Len(t, revoked, 1)
	})

	t.Run("ConcurrentAddsOfDistinctSerials", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		var wg sync.WaitGroup
		for i := range int64(16) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, repo.AddCertificate(t.Context(), DER(i), big.NewInt(i), now, now.Add(time.Hour)))
			}()
		}
		wg.Wait()

		serials, err := repo.GetAllCertificateSerials(t.Context())
		require.NoError(t, err)
		assert.Len(t, serials, 16)
	})

	t.Run("RemoveExpiredHonoursGrace", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		require.NoError(t, repo.AddCertificate(t.Context(), DER(1), big.NewInt(1), now.Add(-time.Hour), now.Add(-time.Minute)))

		removed, err := repo.RemoveExpiredCertificates(t.Context(), time.Hour)
		require.NoError(t, err)
		assert.Empty(t, removed)
	})
}

// race runs op from n goroutines at once and returns how many succeeded.
// Every failure must match loserErr.
func race(t *testing.T, n int, op func() error, loserErr error) int {
	t.Helper()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		start = make(chan struct{})
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := op()
			if err != nil {
				assert.ErrorIs(t, err, loserErr)
				return
			}
			mu.Lock()
			wins++
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()
	return wins
}
