package storage

import "errors"

var (
	// ErrDuplicateSerial is returned when a record with the same serial
	// number already exists in the instance.
	ErrDuplicateSerial = errors.New("certificate serial already exists")

	// ErrUnknownSerial is returned when a revocation targets a serial that
	// is not stored.
	ErrUnknownSerial = errors.New("no such certificate")

	// ErrUnknownInstance is returned when an instance has not been
	// registered.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrMissingSerial is returned when a serial number is required but nil.
	ErrMissingSerial = errors.New("missing serial number")

	// ErrInvalidSerial is returned for negative serial numbers.
	ErrInvalidSerial = errors.New("invalid serial number")

	// ErrInvalidRecord is returned by AddExistingRecord when the supplied
	// record violates the revocation invariant.
	ErrInvalidRecord = errors.New("invalid certificate record")

	// ErrInvalidReasonCode is returned for reason codes outside the CRL
	// reason enumeration.
	ErrInvalidReasonCode = errors.New("invalid revocation reason code")

	// ErrNotOnHold is returned when removeFromCRL is requested for a
	// certificate that is not on hold.
	ErrNotOnHold = errors.New("certificate is not on hold")

	// ErrAlreadyRevoked is returned when a permanently revoked certificate
	// is revoked again.
	ErrAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrAlreadyPermanentlyRevoked is returned when removeFromCRL is
	// requested for a permanently revoked certificate.
	ErrAlreadyPermanentlyRevoked = errors.New("certificate is permanently revoked")

	// ErrPersistence wraps a failed durable write.
	ErrPersistence = errors.New("persistence failure")

	// ErrCriticalState is returned by every mutation after a repository
	// has suffered a persistence failure.
	ErrCriticalState = errors.New("repository is in a critical state and does not accept writes")

	// ErrBackendUnavailable is returned when a read could not reach the
	// backend within the retry window.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
)
