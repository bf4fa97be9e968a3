package file

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/castore/storage"
	"github.com/jmcleod/castore/storage/storagetest"
)

func TestFileRepository(t *testing.T) {
	storagetest.RunRepositoryTests(t, func(t *testing.T) storage.Repository {
		s, err := Open(afero.NewMemMapFs(), "/data", "test")
		require.NoError(t, err)
		return s
	})
}

func TestOpenCreatesEmptyDocument(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(fs, "/data", "ca1")
	require.NoError(t, err)
	assert.Equal(t, "/data/instances/ca1/repository/ca1-repo.json", s.Path())

	data, err := afero.ReadFile(fs, s.Path())
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(string(data)))
}

func TestReopenSeesPersistedState(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := storagetest.Now()

	s, err := Open(fs, "/data", "ca1")
	require.NoError(t, err)
	storagetest.Add(t, s, 1, now, time.Hour)
	storagetest.Add(t, s, 0x1f, now, time.Hour)
	require.NoError(t, s.RevokeCertificate(t.Context(), big.NewInt(0x1f), storage.ReasonCertificateHold, now))

	data, err := afero.ReadFile(fs, s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"serialNumber": "1f"`)
	assert.Contains(t, string(data), `"reason": 6`)

	reopened, err := Open(fs, "/data", "ca1")
	require.NoError(t, err)
	n, err := reopened.GetCertificateCount(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := reopened.GetCertificate(t.Context(), big.NewInt(0x1f))
	require.NoError(t, err)
	assert.Equal(t, storage.StateHold, got.State())
	assert.Equal(t, now.UnixMilli(), got.RevocationTime.UnixMilli())
}

func TestOpenRejectsMalformedDocument(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, RepositoryPath("/data", "ca1"), []byte("{not json"), 0o600))
	_, err := Open(fs, "/data", "ca1")
	require.Error(t, err)
}

func TestWriteFailureEntersCriticalState(t *testing.T) {
	base := afero.NewMemMapFs()
	now := storagetest.Now()

	s, err := Open(base, "/data", "ca1")
	require.NoError(t, err)
	storagetest.Add(t, s, 1, now, time.Hour)

	s.fs = afero.NewReadOnlyFs(base)

	err = s.AddCertificate(t.Context(), storagetest.DER(2), big.NewInt(2), now, now.Add(time.Hour))
	require.ErrorIs(t, err, storage.ErrPersistence)
	assert.True(t, s.Critical())

	// The failed write is not visible to readers.
	got, err := s.GetCertificate(t.Context(), big.NewInt(2))
	require.NoError(t, err)
	assert.Nil(t, got)

	// Restoring the filesystem does not clear the critical state.
	s.fs = base
	err = s.RevokeCertificate(t.Context(), big.NewInt(1), storage.ReasonKeyCompromise, now)
	require.ErrorIs(t, err, storage.ErrCriticalState)
	_, err = s.RemoveExpiredCertificates(t.Context(), 0)
	require.ErrorIs(t, err, storage.ErrCriticalState)

	// Reads keep working.
	n, err := s.GetCertificateCount(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRemoveExpiredUsesClock(t *testing.T) {
	s, err := Open(afero.NewMemMapFs(), "/data", "ca1")
	require.NoError(t, err)
	now := storagetest.Now()
	storagetest.Add(t, s, 1, now, time.Hour)

	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	removed, err := s.RemoveExpiredCertificates(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, removed, 1)
}
