package observation

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/melights/stereo-slam/logging"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("cluster record not found")

// WorkingAreaName is the directory created under the working directory for stored records.
const WorkingAreaName = "loop_closing"

// A RecordStore persists opaque records by integer key. Get returns ErrNotFound for keys that
// were never stored. Implementations must be safe for concurrent use.
type RecordStore interface {
	Put(key int, data []byte) error
	Get(key int) ([]byte, error)
	// Clear removes every stored record.
	Clear() error
	Close() error
}

// prepareWorkingArea recreates dir empty. Failures are logged; callers keep going and later
// reads report not found.
func prepareWorkingArea(dir string, logger logging.Logger) error {
	err := os.RemoveAll(dir)
	if err == nil {
		err = os.MkdirAll(dir, 0o750)
	}
	if err != nil {
		logger.Warnf("unable to prepare working area %q: %v", dir, err)
	}
	return err
}

// DirRecordStore keeps one file per record in a directory.
type DirRecordStore struct {
	dir    string
	usable bool
}

// NewDirRecordStore returns a store rooted at <workingDir>/loop_closing. Any previous contents
// are removed.
func NewDirRecordStore(workingDir string, logger logging.Logger) *DirRecordStore {
	dir := filepath.Join(workingDir, WorkingAreaName)
	return &DirRecordStore{dir: dir, usable: prepareWorkingArea(dir, logger) == nil}
}

// Dir returns the directory records are written to.
func (s *DirRecordStore) Dir() string {
	return s.dir
}

func (s *DirRecordStore) path(key int) string {
	return filepath.Join(s.dir, strconv.Itoa(key)+".rec")
}

// Put writes the record atomically.
func (s *DirRecordStore) Put(key int, data []byte) error {
	if !s.usable {
		return errors.Errorf("storing record %d: working area %q is unavailable", key, s.dir)
	}
	tmp, err := os.CreateTemp(s.dir, ".rec-*")
	if err != nil {
		return errors.Wrapf(err, "storing record %d", key)
	}
	if _, err := tmp.Write(data); err != nil {
		//nolint:errcheck,gosec
		tmp.Close()
		//nolint:errcheck
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "storing record %d", key)
	}
	if err := tmp.Close(); err != nil {
		//nolint:errcheck
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "storing record %d", key)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), s.path(key)), "storing record %d", key)
}

// Get reads a record.
func (s *DirRecordStore) Get(key int) ([]byte, error) {
	if !s.usable {
		return nil, errors.Wrapf(ErrNotFound, "record %d", key)
	}
	//nolint:gosec
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotFound, "record %d", key)
		}
		return nil, errors.Wrapf(err, "reading record %d", key)
	}
	return data, nil
}

// Clear removes the working area.
func (s *DirRecordStore) Clear() error {
	if !s.usable {
		return nil
	}
	return os.RemoveAll(s.dir)
}

// Close does nothing.
func (s *DirRecordStore) Close() error {
	return nil
}

// BadgerRecordStore keeps records in an embedded badger database.
type BadgerRecordStore struct {
	db  *badger.DB
	dir string
}

// badgerLogger routes badger's internal logging to a Logger.
type badgerLogger struct {
	logger logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// NewBadgerRecordStore opens a database at <workingDir>/loop_closing, removing any previous
// contents. An empty workingDir keeps the database in memory.
func NewBadgerRecordStore(workingDir string, logger logging.Logger) (*BadgerRecordStore, error) {
	var opts badger.Options
	var dir string
	if workingDir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dir = filepath.Join(workingDir, WorkingAreaName)
		if err := prepareWorkingArea(dir, logger); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger.Sublogger("badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening record database")
	}
	return &BadgerRecordStore{db: db, dir: dir}, nil
}

func badgerKey(key int) []byte {
	return []byte("cluster/" + strconv.Itoa(key))
}

// Put stores a record.
func (s *BadgerRecordStore) Put(key int, data []byte) error {
	return errors.Wrapf(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(key), data)
	}), "storing record %d", key)
}

// Get reads a record.
func (s *BadgerRecordStore) Get(key int) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "record %d", key)
		}
		return nil, errors.Wrapf(err, "reading record %d", key)
	}
	return data, nil
}

// Clear drops every record.
func (s *BadgerRecordStore) Clear() error {
	return s.db.DropAll()
}

// Close closes the database and removes its directory.
func (s *BadgerRecordStore) Close() error {
	err := s.db.Close()
	if s.dir != "" {
		if rmErr := os.RemoveAll(s.dir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}
