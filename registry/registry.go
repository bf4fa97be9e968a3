// Package registry holds the repositories and CRL trackers of every
// configured CA instance. Groups are built once at startup and looked up
// by instance name afterwards.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/castore/config"
	"github.com/jmcleod/castore/crl"
	"github.com/jmcleod/castore/storage"
	boltstore "github.com/jmcleod/castore/storage/bbolt"
	"github.com/jmcleod/castore/storage/file"
	"github.com/jmcleod/castore/storage/postgres"
)

// ErrDuplicateInstance is returned when a group is registered twice.
var ErrDuplicateInstance = errors.New("instance already registered")

// Group is the storage of one instance: its file repository (primary), its
// database repository (secondary) and its CRL tracker.
type Group struct {
	Instance string
	File     storage.Repository
	DB       storage.Repository
	Active   string
	Tracker  *crl.Tracker
}

// Primary returns the file repository.
func (g *Group) Primary() storage.Repository { return g.File }

// Secondary returns the database repository.
func (g *Group) Secondary() storage.Repository { return g.DB }

// ActiveRepository returns the repository the CA issues into.
func (g *Group) ActiveRepository() storage.Repository {
	if g.Active == config.RepositoryDB {
		return g.DB
	}
	return g.File
}

// Registry maps instance names to groups.
type Registry struct {
	mu      sync.RWMutex
	groups  map[string]*Group
	closers []io.Closer
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{groups: make(map[string]*Group)}
}

// Register adds g. Registering the same instance twice fails.
func (r *Registry) Register(g *Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g.Instance]; ok {
		return fmt.Errorf("%s: %w", g.Instance, ErrDuplicateInstance)
	}
	r.groups[g.Instance] = g
	return nil
}

// Get returns the group of instance.
func (r *Registry) Get(instance string) (*Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[instance]
	if !ok {
		return nil, fmt.Errorf("%s: %w", instance, storage.ErrUnknownInstance)
	}
	return g, nil
}

// Instances returns the registered instance names in sorted order.
func (r *Registry) Instances() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every repository and then the shared database handles.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, g := range r.groups {
		for _, repo := range []storage.Repository{g.File, g.DB} {
			if repo == nil {
				continue
			}
			if err := repo.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s repository: %w", g.Instance, err))
			}
		}
	}
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.groups = make(map[string]*Group)
	r.closers = nil
	return errors.Join(errs...)
}

type openOptions struct {
	fs     afero.Fs
	logger *slog.Logger
}

// Option configures Open.
type Option func(*openOptions)

// WithFs sets the filesystem of the file repositories and CRL artifacts.
func WithFs(fs afero.Fs) Option {
	return func(o *openOptions) { o.fs = fs }
}

// WithLogger sets the logger handed to every repository and tracker.
func WithLogger(l *slog.Logger) Option {
	return func(o *openOptions) { o.logger = l }
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Open builds a group for every instance named by cfg. The database is
// opened once and shared by all instances.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Registry, error) {
	o := openOptions{
		fs:     afero.NewOsFs(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}

	names, err := cfg.InstanceNames()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		o.logger.Warn("no CA instances configured", "data_directory", cfg.DataDirectory)
	}

	r := New()
	newDB, metadata, err := openDatabase(ctx, cfg, r, o.logger)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		g, err := openGroup(ctx, cfg, name, newDB, metadata, o)
		if err != nil {
			r.Close()
			return nil, err
		}
		if err := r.Register(g); err != nil {
			r.Close()
			return nil, err
		}
		o.logger.Info("instance registered", "instance", name, "active_repository", g.Active)
	}
	return r, nil
}

func openGroup(ctx context.Context, cfg *config.Config, name string, newDB func(string) storage.Repository, metadata storage.MetadataStore, o openOptions) (*Group, error) {
	fileRepo, err := file.Open(o.fs, cfg.DataDirectory, name, file.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("opening file repository of %s: %w", name, err)
	}
	tracker, err := crl.NewTracker(ctx, name, metadata,
		crl.WithArtifact(o.fs, crl.ArtifactPath(cfg.DataDirectory, name)),
		crl.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	return &Group{
		Instance: name,
		File:     fileRepo,
		DB:       newDB(name),
		Active:   cfg.ActiveRepository,
		Tracker:  tracker,
	}, nil
}

// openDatabase opens the shared database handle, registers it to be closed
// with r, and returns a constructor for per-instance repositories.
func openDatabase(ctx context.Context, cfg *config.Config, r *Registry, logger *slog.Logger) (func(string) storage.Repository, storage.MetadataStore, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		r.closers = append(r.closers, closerFunc(func() error { pool.Close(); return nil }))
		newRepo := func(name string) storage.Repository {
			return postgres.NewRepository(pool, name,
				postgres.WithLogger(logger), postgres.WithPageSize(cfg.Database.PageSize))
		}
		return newRepo, postgres.NewMetadataStore(pool), nil

	case config.DriverBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating database directory: %w", err)
		}
		db, err := bbolt.Open(cfg.Database.Path, 0o600, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bbolt db: %w", err)
		}
		r.closers = append(r.closers, db)
		metadata, err := boltstore.NewMetadataStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		newRepo := func(name string) storage.Repository {
			return boltstore.NewRepository(db, name, boltstore.WithLogger(logger))
		}
		return newRepo, metadata, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown database.driver %q", config.ErrInvalid, cfg.Database.Driver)
	}
}
