package storage

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordIn(state State, at time.Time) *CertificateRecord {
	rec := NewRecord([]byte("der"), big.NewInt(42), at.Add(-time.Hour), at.Add(time.Hour))
	switch state {
	case StateHold:
		r := ReasonCertificateHold
		rec.Revoked, rec.Reason, rec.RevocationTime = true, &r, at
	case StateRevoked:
		r := ReasonKeyCompromise
		rec.Revoked, rec.Reason, rec.RevocationTime = true, &r, at
	}
	return rec
}

func TestTransitionTable(t *testing.T) {
	earlier := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	tests := []struct {
		name       string
		from       State
		reason     ReasonCode
		wantState  State
		wantReason *ReasonCode
		wantTime   time.Time
		wantErr    error
	}{
		{"active hold", StateActive, ReasonCertificateHold, StateHold, ptr(ReasonCertificateHold), later, nil},
		{"active remove", StateActive, ReasonRemoveFromCRL, 0, nil, time.Time{}, ErrNotOnHold},
		{"active revoke", StateActive, ReasonSuperseded, StateRevoked, ptr(ReasonSuperseded), later, nil},
		{"active unspecified", StateActive, ReasonUnspecified, StateRevoked, ptr(ReasonUnspecified), later, nil},
		{"hold hold", StateHold, ReasonCertificateHold, StateHold, ptr(ReasonCertificateHold), earlier, nil},
		{"hold remove", StateHold, ReasonRemoveFromCRL, StateActive, nil, time.Time{}, nil},
		{"hold revoke", StateHold, ReasonKeyCompromise, StateRevoked, ptr(ReasonKeyCompromise), later, nil},
		{"revoked remove", StateRevoked, ReasonRemoveFromCRL, 0, nil, time.Time{}, ErrAlreadyPermanentlyRevoked},
		{"revoked hold", StateRevoked, ReasonCertificateHold, 0, nil, time.Time{}, ErrAlreadyRevoked},
		{"revoked revoke", StateRevoked, ReasonAACompromise, 0, nil, time.Time{}, ErrAlreadyRevoked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := recordIn(tt.from, earlier)
			before := rec.Clone()

			next, err := Transition(rec, tt.reason, later)
			assert.Equal(t, before, rec, "input must not be modified")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, next)
				return
			}
			require.NoError(t, err)
			require.NoError(t, next.Validate())
			assert.Equal(t, tt.wantState, next.State())
			assert.Equal(t, tt.wantReason, next.Reason)
			assert.True(t, tt.wantTime.Equal(next.RevocationTime))
		})
	}
}

func TestTransitionDefaultsTime(t *testing.T) {
	rec := recordIn(StateActive, time.Now())
	next, err := Transition(rec, ReasonKeyCompromise, time.Time{})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), next.RevocationTime, time.Second)
}

func TestValidateRevocation(t *testing.T) {
	require.ErrorIs(t, ValidateRevocation(nil, ReasonKeyCompromise), ErrMissingSerial)
	require.ErrorIs(t, ValidateRevocation(big.NewInt(1), ReasonCode(-1)), ErrInvalidReasonCode)
	require.ErrorIs(t, ValidateRevocation(big.NewInt(1), ReasonCode(11)), ErrInvalidReasonCode)
	require.NoError(t, ValidateRevocation(big.NewInt(1), ReasonCode(7)))
	require.NoError(t, ValidateRevocation(big.NewInt(1), ReasonAACompromise))
}

func TestRecordValidate(t *testing.T) {
	now := time.Now()
	require.NoError(t, recordIn(StateActive, now).Validate())
	require.NoError(t, recordIn(StateHold, now).Validate())
	require.NoError(t, recordIn(StateRevoked, now).Validate())

	rec := recordIn(StateRevoked, now)
	rec.RevocationTime = time.Time{}
	require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)

	rec = recordIn(StateActive, now)
	rec.Reason = ptr(ReasonKeyCompromise)
	require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)

	rec = recordIn(StateRevoked, now)
	rec.Reason = ptr(ReasonRemoveFromCRL)
	require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)

	rec = recordIn(StateActive, now)
	rec.SerialNumber = nil
	require.ErrorIs(t, rec.Validate(), ErrMissingSerial)

	old := time.Date(1969, time.December, 31, 23, 59, 59, 0, time.UTC)
	rec = recordIn(StateActive, now)
	rec.IssueDate = old
	require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)

	rec = recordIn(StateRevoked, now)
	rec.RevocationTime = old
	require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)

	_, err := Transition(recordIn(StateActive, now), ReasonSuperseded, old)
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestStoredRecordEncoding(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123).UTC()

	rec := recordIn(StateHold, now)
	sr := EncodeRecord(rec)
	assert.Equal(t, "2a", sr.SerialNumber)
	require.NotNil(t, sr.Reason)
	assert.Equal(t, 6, *sr.Reason)
	assert.Equal(t, now.UnixMilli(), sr.RevocationTime)

	back, err := DecodeRecord(sr)
	require.NoError(t, err)
	assert.Equal(t, StateHold, back.State())
	assert.True(t, now.Equal(back.RevocationTime))

	active := EncodeRecord(NewRecord(nil, big.NewInt(255), time.Time{}, time.Time{}))
	assert.Equal(t, "ff", active.SerialNumber)
	assert.Equal(t, AbsentMillis, active.IssueDate)
	assert.Equal(t, AbsentMillis, active.ExpiryDate)
	assert.Equal(t, AbsentMillis, active.RevocationTime)
	assert.Nil(t, active.Reason)

	_, err = DecodeRecord(StoredRecord{SerialNumber: "zz"})
	require.ErrorIs(t, err, ErrInvalidSerial)
}

func ptr[T any](v T) *T { return &v }
