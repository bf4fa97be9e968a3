package memory

import (
	"context"
	"sync"

	"github.com/jmcleod/castore/storage"
)

// MetadataStore keeps CRL metadata in memory.
type MetadataStore struct {
	mu   sync.Mutex
	data map[string]*storage.CRLMetadata
}

var _ storage.MetadataStore = (*MetadataStore)(nil)

// NewMetadataStore returns an empty MetadataStore.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{data: make(map[string]*storage.CRLMetadata)}
}

func (m *MetadataStore) GetCRLMetadata(ctx context.Context, instance string) (*storage.CRLMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[instance].Clone(), nil
}

func (m *MetadataStore) StoreCRLMetadata(ctx context.Context, instance string, md *storage.CRLMetadata) error {
	if err := md.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[instance] = md.Clone()
	return nil
}

func (m *MetadataStore) AdvanceCRLMetadata(ctx context.Context, instance string, md *storage.CRLMetadata) (bool, error) {
	if err := md.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !storage.Supersedes(m.data[instance], md) {
		return false, nil
	}
	m.data[instance] = md.Clone()
	return true, nil
}
