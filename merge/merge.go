// Package merge reconciles the file-backed and database-backed
// repositories of a CA instance.
//
// Reconciliation is additive: records missing on one side are copied
// verbatim (including revocation status) from the other. Records present
// on both sides are never compared or overwritten.
package merge

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/jmcleod/castore/internal/metrics"
	"github.com/jmcleod/castore/internal/uuid"
	"github.com/jmcleod/castore/storage"
)

// DateFormat is the layout of dates in record descriptions.
const DateFormat = "2006-01-02 15:04"

// Direction selects which side of a repository pair receives records.
type Direction int

const (
	// ToSecondary copies primary (file) records missing in the secondary
	// (database) repository.
	ToSecondary Direction = iota + 1
	// ToPrimary copies secondary records missing in the primary.
	ToPrimary
	// Both copies in both directions.
	Both
)

func (d Direction) String() string {
	switch d {
	case ToSecondary:
		return "to-secondary"
	case ToPrimary:
		return "to-primary"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

func (d Direction) includes(other Direction) bool {
	return d == other || d == Both
}

// Status is the set difference between a primary and a secondary
// repository. All lists are in ascending serial order.
type Status struct {
	MissingInSecondary []*big.Int
	MissingInPrimary   []*big.Int
	Duplicates         []*big.Int
}

// Diff enumerates both repositories and classifies every serial. Failure
// to enumerate either side is returned as an error.
func Diff(ctx context.Context, primary, secondary storage.Repository) (*Status, error) {
	ps, err := primary.GetAllCertificateSerials(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing primary serials: %w", err)
	}
	ss, err := secondary.GetAllCertificateSerials(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing secondary serials: %w", err)
	}

	inSecondary := make(map[string]bool, len(ss))
	for _, s := range ss {
		inSecondary[storage.SerialHex(s)] = true
	}
	inPrimary := make(map[string]bool, len(ps))

	st := &Status{
		MissingInSecondary: []*big.Int{},
		MissingInPrimary:   []*big.Int{},
		Duplicates:         []*big.Int{},
	}
	for _, p := range ps {
		key := storage.SerialHex(p)
		inPrimary[key] = true
		if inSecondary[key] {
			st.Duplicates = append(st.Duplicates, p)
		} else {
			st.MissingInSecondary = append(st.MissingInSecondary, p)
		}
	}
	for _, s := range ss {
		if !inPrimary[storage.SerialHex(s)] {
			st.MissingInPrimary = append(st.MissingInPrimary, s)
		}
	}
	sortSerials(st.MissingInSecondary)
	sortSerials(st.MissingInPrimary)
	sortSerials(st.Duplicates)
	return st, nil
}

func sortSerials(s []*big.Int) {
	sort.Slice(s, func(i, j int) bool { return s[i].Cmp(s[j]) < 0 })
}

// Counts summarises one copy direction.
type Counts struct {
	// Copied records were added to the destination.
	Copied int
	// Raced records were added to the destination by someone else between
	// the diff and the copy.
	Raced int
	// Vanished records were removed from the source between the diff and
	// the copy.
	Vanished int
	// Failed records could not be read or written.
	Failed int
}

// Result summarises a merge run.
type Result struct {
	RunID       string
	Instance    string
	Status      *Status
	ToSecondary Counts
	ToPrimary   Counts
}

// Merger copies records between repository pairs and reports on them.
type Merger struct {
	out       io.Writer
	logger    *slog.Logger
	verbose   bool
	primary   string
	secondary string
}

// Option configures a Merger.
type Option func(*Merger)

// WithOutput sets where reports are printed.
func WithOutput(w io.Writer) Option {
	return func(m *Merger) { m.out = w }
}

// WithLogger sets the merger's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Merger) { m.logger = l }
}

// WithVerbose makes reports describe every record they mention.
func WithVerbose(v bool) Option {
	return func(m *Merger) { m.verbose = v }
}

// WithNames sets how the primary and secondary repositories are named in
// reports. The defaults are "File" and "DB".
func WithNames(primary, secondary string) Option {
	return func(m *Merger) { m.primary, m.secondary = primary, secondary }
}

// NewMerger returns a Merger. Without options it prints nothing and logs
// nothing.
func NewMerger(opts ...Option) *Merger {
	m := &Merger{
		out:       io.Discard,
		logger:    slog.New(slog.DiscardHandler),
		primary:   "File",
		secondary: "DB",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Merge copies missing records in the given direction. A failure to
// enumerate either repository aborts the run; per-record failures are
// counted and the run continues.
func (m *Merger) Merge(ctx context.Context, instance string, primary, secondary storage.Repository, dir Direction) (*Result, error) {
	runID := uuid.New()
	logger := m.logger.With("run_id", runID, "instance", instance, "direction", dir.String())

	st, err := Diff(ctx, primary, secondary)
	if err != nil {
		logger.Error("merge aborted", "error", err)
		return nil, err
	}
	res := &Result{RunID: runID, Instance: instance, Status: st}
	logger.Info("merge started",
		"missing_in_secondary", len(st.MissingInSecondary),
		"missing_in_primary", len(st.MissingInPrimary),
		"duplicates", len(st.Duplicates))

	fmt.Fprintf(m.out, "Merging repository data for instance: %s\n", instance)
	fmt.Fprintln(m.out, "---------------------------------------------------------")
	if dir.includes(ToSecondary) {
		fmt.Fprintf(m.out, "Merging %s repository certs to %s repository:\n", m.primary, m.secondary)
		res.ToSecondary = m.copyAll(ctx, logger.With("to", "secondary"), instance, ToSecondary, st.MissingInSecondary, primary, secondary)
		m.printCounts(res.ToSecondary, len(st.MissingInSecondary), m.secondary)
	}
	if dir.includes(ToPrimary) {
		fmt.Fprintf(m.out, "Merging %s repository certs to %s repository:\n", m.secondary, m.primary)
		res.ToPrimary = m.copyAll(ctx, logger.With("to", "primary"), instance, ToPrimary, st.MissingInPrimary, secondary, primary)
		m.printCounts(res.ToPrimary, len(st.MissingInPrimary), m.primary)
	}
	fmt.Fprintln(m.out)

	logger.Info("merge finished",
		"copied_to_secondary", res.ToSecondary.Copied,
		"copied_to_primary", res.ToPrimary.Copied,
		"failed", res.ToSecondary.Failed+res.ToPrimary.Failed)
	return res, nil
}

func (m *Merger) printCounts(c Counts, planned int, dest string) {
	if planned == 0 {
		fmt.Fprintln(m.out, "-- Nothing to merge --")
		return
	}
	fmt.Fprintf(m.out, "Merged %d certificates to %s repository", c.Copied, dest)
	if c.Raced+c.Vanished+c.Failed > 0 {
		fmt.Fprintf(m.out, " (already present: %d, vanished: %d, failed: %d)", c.Raced, c.Vanished, c.Failed)
	}
	fmt.Fprintln(m.out)
}

func (m *Merger) copyAll(ctx context.Context, logger *slog.Logger, instance string, dir Direction, serials []*big.Int, from, to storage.Repository) Counts {
	var c Counts
	for _, serial := range serials {
		outcome := m.copyOne(ctx, logger, serial, from, to)
		switch outcome {
		case "copied":
			c.Copied++
		case "raced":
			c.Raced++
		case "vanished":
			c.Vanished++
		default:
			c.Failed++
		}
		metrics.MergeRecords.WithLabelValues(instance, dir.String(), outcome).Inc()
	}
	return c
}

func (m *Merger) copyOne(ctx context.Context, logger *slog.Logger, serial *big.Int, from, to storage.Repository) string {
	key := storage.SerialHex(serial)
	rec, err := from.GetCertificate(ctx, serial)
	if err != nil {
		logger.Warn("reading record failed", "serial", key, "error", err)
		return "failed"
	}
	if rec == nil {
		logger.Info("record vanished from source", "serial", key)
		return "vanished"
	}
	err = to.AddExistingRecord(ctx, rec)
	if errors.Is(err, storage.ErrDuplicateSerial) {
		logger.Info("record already present in destination", "serial", key)
		return "raced"
	}
	if err != nil {
		logger.Warn("copying record failed", "serial", key, "error", err)
		return "failed"
	}
	if m.verbose {
		m.printRecord(rec)
	}
	return "copied"
}

// PrintStatus prints the difference between primary and secondary and
// returns it.
func (m *Merger) PrintStatus(ctx context.Context, instance string, primary, secondary storage.Repository) (*Status, error) {
	st, err := Diff(ctx, primary, secondary)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(m.out, "Merge status for instance: %s\n", instance)
	fmt.Fprintln(m.out, "---------------------------------------------------------")
	fmt.Fprintf(m.out, "%s repo certs missing in %s repo (%d)\n", m.primary, m.secondary, len(st.MissingInSecondary))
	if m.verbose {
		m.printRecords(ctx, st.MissingInSecondary, primary)
	}
	fmt.Fprintf(m.out, "%s repo certs missing in %s repo (%d)\n", m.secondary, m.primary, len(st.MissingInPrimary))
	if m.verbose {
		m.printRecords(ctx, st.MissingInPrimary, secondary)
	}
	fmt.Fprintf(m.out, "Duplicate cert records (%d)\n", len(st.Duplicates))
	if m.verbose {
		keys := make([]string, len(st.Duplicates))
		for i, s := range st.Duplicates {
			keys[i] = storage.SerialHex(s)
		}
		fmt.Fprintf(m.out, "Duplicate cert serials: %s\n", strings.Join(keys, ","))
	}
	fmt.Fprintln(m.out)
	return st, nil
}

func (m *Merger) printRecords(ctx context.Context, serials []*big.Int, repo storage.Repository) {
	for _, serial := range serials {
		rec, err := repo.GetCertificate(ctx, serial)
		if err != nil || rec == nil {
			fmt.Fprintf(m.out, "%s: unavailable\n", storage.SerialHex(serial))
			continue
		}
		m.printRecord(rec)
	}
}

func (m *Merger) printRecord(rec *storage.CertificateRecord) {
	line, err := Describe(rec)
	if err != nil {
		fmt.Fprintf(m.out, "%s: %v\n", storage.SerialHex(rec.SerialNumber), err)
		return
	}
	fmt.Fprintln(m.out, line)
}

// Describe renders the subject, validity and revocation time of a record
// on one line. Dates are in UTC.
func Describe(rec *storage.CertificateRecord) (string, error) {
	cert, err := x509.ParseCertificate(rec.Certificate)
	if err != nil {
		return "", fmt.Errorf("parsing certificate: %w", err)
	}
	s := fmt.Sprintf("%s NotBefore:%s Expires:%s",
		cert.Subject.String(), formatDate(cert.NotBefore), formatDate(cert.NotAfter))
	if rec.Revoked {
		s += " Revoked:" + formatDate(rec.RevocationTime)
	}
	return s, nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format(DateFormat)
}

