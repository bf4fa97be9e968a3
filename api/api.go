// Package api serves the published artifacts of every registered CA
// instance: the trust-bundle snapshot, the current CRL, and read-only
// repository summaries.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/castore/bundle"
	"github.com/jmcleod/castore/config"
	"github.com/jmcleod/castore/registry"
	"github.com/jmcleod/castore/storage"
)

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	registry  *registry.Registry
	publisher *bundle.Publisher
	logger    *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger for failed requests.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// New creates a new API instance.
func New(reg *registry.Registry, pub *bundle.Publisher, opts ...Option) *API {
	a := &API{
		registry:  reg,
		publisher: pub,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/certs/{file}", a.GetBundle)
	r.Get("/crl/{file}", a.GetCRL)
	r.Get("/instances", a.ListInstances)
	r.Get("/instances/{instance}", a.GetInstance)
	r.Get("/instances/{instance}/certs", a.ListCertificates)
	return r
}

// instanceFromFile extracts the instance name from "<instance><ext>".
func instanceFromFile(r *http.Request, ext string) (string, bool) {
	name, ok := strings.CutSuffix(chi.URLParam(r, "file"), ext)
	if !ok || config.ValidateInstanceName(name) != nil {
		return "", false
	}
	return name, true
}

// GetBundle serves the trust-bundle snapshot of an instance, regenerating
// it first when it is stale.
func (a *API) GetBundle(w http.ResponseWriter, r *http.Request) {
	name, ok := instanceFromFile(r, ".p7b")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	rc, _, err := a.publisher.Open(r.Context(), name)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer rc.Close()

	noCache(w, name+".p7b")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Warn("writing trust bundle failed", "instance", name, "error", err)
	}
}

// GetCRL serves the current CRL of an instance.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	name, ok := instanceFromFile(r, ".crl")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	g, err := a.registry.Get(name)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	der, err := g.Tracker.CurrentCRL()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if der == nil {
		writeError(w, http.StatusNotFound, "no CRL published")
		return
	}
	noCache(w, name+".crl")
	w.WriteHeader(http.StatusOK)
	w.Write(der)
}

// ListInstances returns the registered instance names.
func (a *API) ListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.registry.Instances())
}

// GetInstance returns record counts and publication state of an instance.
func (a *API) GetInstance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "instance")
	g, err := a.registry.Get(name)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	resp := InstanceResponse{Instance: name, ActiveRepository: g.Active}
	if resp.File, err = counts(r.Context(), g.File); err != nil {
		a.fail(w, r, err)
		return
	}
	if resp.DB, err = counts(r.Context(), g.DB); err != nil {
		a.fail(w, r, err)
		return
	}
	md := g.Tracker.Metadata()
	resp.CRL = CRLInfo{
		Number:           md.CRLNumber.Text(16),
		IssueTime:        optionalTime(md.IssueTime),
		NextUpdate:       optionalTime(md.NextUpdate),
		RevokedCertCount: md.RevokedCertCount,
	}
	if snap, ok := a.publisher.Snapshot(name); ok {
		resp.Bundle = &BundleInfo{PublishedAt: snap.PublishedAt, Certificates: snap.CertCount}
	}
	writeJSON(w, http.StatusOK, resp)
}

func counts(ctx context.Context, repo storage.Repository) (RepositoryCounts, error) {
	total, err := repo.GetCertificateCount(ctx, false)
	if err != nil {
		return RepositoryCounts{}, err
	}
	valid, err := repo.GetCertificateCount(ctx, true)
	if err != nil {
		return RepositoryCounts{}, err
	}
	return RepositoryCounts{Total: total, NotRevoked: valid}, nil
}

// ListCertificates returns one page of the active repository of an
// instance.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	g, err := a.registry.Get(chi.URLParam(r, "instance"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	repo := g.ActiveRepository()
	rq := parseRangeQuery(r)

	total, err := filteredCount(r.Context(), repo, rq.Filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	recs, err := repo.GetCertificateRange(r.Context(), rq)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	resp := ListCertificatesResponse{
		Certificates:   make([]CertificateSummary, 0, len(recs)),
		PaginationMeta: pageMeta(total, rq),
	}
	for _, rec := range recs {
		s := CertificateSummary{
			SerialNumber:   storage.SerialHex(rec.SerialNumber),
			IssueDate:      optionalTime(rec.IssueDate),
			ExpiryDate:     optionalTime(rec.ExpiryDate),
			State:          rec.State().String(),
			RevocationTime: optionalTime(rec.RevocationTime),
		}
		if rec.Reason != nil {
			s.Reason = rec.Reason.String()
		}
		resp.Certificates = append(resp.Certificates, s)
	}
	writeJSON(w, http.StatusOK, resp)
}

func filteredCount(ctx context.Context, repo storage.Repository, f storage.RevokedFilter) (int, error) {
	total, err := repo.GetCertificateCount(ctx, false)
	if err != nil || f == storage.FilterAll {
		return total, err
	}
	valid, err := repo.GetCertificateCount(ctx, true)
	if err != nil {
		return 0, err
	}
	if f == storage.FilterNotRevoked {
		return valid, nil
	}
	return total - valid, nil
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	mapError(w, err)
}
