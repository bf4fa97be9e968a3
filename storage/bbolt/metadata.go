package bbolt

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/castore/storage"
)

var metadataBucket = []byte("__crl_metadata")

// MetadataStore implements storage.MetadataStore in a dedicated bucket of a
// BBolt database.
type MetadataStore struct {
	db *bbolt.DB
}

var _ storage.MetadataStore = (*MetadataStore)(nil)

// NewMetadataStore returns a metadata store backed by db, creating the
// metadata bucket if it does not exist.
func NewMetadataStore(db *bbolt.DB) (*MetadataStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating metadata bucket: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

func getMetadata(b *bbolt.Bucket, instance string) (*storage.CRLMetadata, error) {
	data := b.Get([]byte(instance))
	if data == nil {
		return nil, nil
	}
	var sm storage.StoredCRLMetadata
	if err := json.Unmarshal(data, &sm); err != nil {
		return nil, fmt.Errorf("decoding CRL metadata for %s: %w", instance, err)
	}
	return storage.DecodeCRLMetadata(sm)
}

func putMetadata(b *bbolt.Bucket, instance string, md *storage.CRLMetadata) error {
	data, err := json.Marshal(storage.EncodeCRLMetadata(md))
	if err != nil {
		return err
	}
	return b.Put([]byte(instance), data)
}

func (m *MetadataStore) GetCRLMetadata(ctx context.Context, instance string) (*storage.CRLMetadata, error) {
	var md *storage.CRLMetadata
	err := m.db.View(func(tx *bbolt.Tx) error {
		var err error
		md, err = getMetadata(tx.Bucket(metadataBucket), instance)
		return err
	})
	return md, err
}

func (m *MetadataStore) StoreCRLMetadata(ctx context.Context, instance string, md *storage.CRLMetadata) error {
	if err := md.Validate(); err != nil {
		return err
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		return putMetadata(tx.Bucket(metadataBucket), instance, md)
	})
}

func (m *MetadataStore) AdvanceCRLMetadata(ctx context.Context, instance string, md *storage.CRLMetadata) (bool, error) {
	if err := md.Validate(); err != nil {
		return false, err
	}
	advanced := false
	err := m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		cur, err := getMetadata(b, instance)
		if err != nil {
			return err
		}
		if !storage.Supersedes(cur, md) {
			return nil
		}
		advanced = true
		return putMetadata(b, instance, md)
	})
	if err != nil {
		return false, err
	}
	return advanced, nil
}
