package api

import "time"

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RepositoryCounts summarises one repository of an instance.
type RepositoryCounts struct {
	Total      int `json:"total"`
	NotRevoked int `json:"not_revoked"`
}

// CRLInfo describes the most recently published CRL.
type CRLInfo struct {
	Number           string     `json:"number"`
	IssueTime        *time.Time `json:"issue_time,omitempty"`
	NextUpdate       *time.Time `json:"next_update,omitempty"`
	RevokedCertCount int        `json:"revoked_cert_count"`
}

// BundleInfo describes the cached trust-bundle snapshot.
type BundleInfo struct {
	PublishedAt  time.Time `json:"published_at"`
	Certificates int       `json:"certificates"`
}

// InstanceResponse is returned from GET /instances/{instance}.
type InstanceResponse struct {
	Instance         string           `json:"instance"`
	ActiveRepository string           `json:"active_repository"`
	File             RepositoryCounts `json:"file"`
	DB               RepositoryCounts `json:"db"`
	CRL              CRLInfo          `json:"crl"`
	Bundle           *BundleInfo      `json:"bundle,omitempty"`
}

// CertificateSummary is one entry of a certificate listing.
type CertificateSummary struct {
	SerialNumber   string     `json:"serial_number"`
	IssueDate      *time.Time `json:"issue_date,omitempty"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty"`
	State          string     `json:"state"`
	Reason         string     `json:"reason,omitempty"`
	RevocationTime *time.Time `json:"revocation_time,omitempty"`
}

// ListCertificatesResponse is returned from GET /instances/{instance}/certs.
type ListCertificatesResponse struct {
	Certificates []CertificateSummary `json:"certificates"`
	PaginationMeta
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
