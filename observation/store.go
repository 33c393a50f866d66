package observation

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/melights/stereo-slam/logging"
)

// StoreConfig configures a Store.
type StoreConfig struct {
	// CacheSize is the number of decoded clusters kept in memory. 0 disables the cache.
	CacheSize int
	// Compress zstd compresses records before they are written.
	Compress bool
}

// A Store persists clusters by id and reads them back. It is safe for concurrent use.
type Store struct {
	records RecordStore
	codec   *codec
	cache   *lru.Cache[int, *Cluster]
	logger  logging.Logger
}

// NewStore returns a Store writing to records.
func NewStore(records RecordStore, cfg StoreConfig, logger logging.Logger) (*Store, error) {
	c, err := newCodec(cfg.Compress)
	if err != nil {
		return nil, err
	}
	s := &Store{records: records, codec: c, logger: logger}
	if cfg.CacheSize > 0 {
		if s.cache, err = lru.New[int, *Cluster](cfg.CacheSize); err != nil {
			return nil, multierr.Combine(err, c.close())
		}
	}
	return s, nil
}

// Put persists a cluster under its id. The cluster must not be modified afterwards.
func (s *Store) Put(c *Cluster) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := s.codec.encode(c)
	if err != nil {
		return err
	}
	if err := s.records.Put(c.ID, data); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Add(c.ID, c)
	}
	return nil
}

// Get returns the cluster stored under id, or an error wrapping ErrNotFound. The returned
// cluster is shared and must be treated as read-only.
func (s *Store) Get(id int) (*Cluster, error) {
	if s.cache != nil {
		if c, ok := s.cache.Get(id); ok {
			return c, nil
		}
	}
	data, err := s.records.Get(id)
	if err != nil {
		return nil, err
	}
	c, err := s.codec.decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "record %d", id)
	}
	if c.ID != id {
		return nil, errors.Wrapf(ErrCorruptRecord, "record %d holds cluster %d", id, c.ID)
	}
	if s.cache != nil {
		s.cache.Add(id, c)
	}
	return c, nil
}

// Clear removes all persisted clusters.
func (s *Store) Clear() error {
	if s.cache != nil {
		s.cache.Purge()
	}
	return s.records.Clear()
}

// Close releases the store and its record backend.
func (s *Store) Close() error {
	return multierr.Combine(s.codec.close(), s.records.Close())
}
