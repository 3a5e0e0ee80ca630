package checkpoint

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/ChizhovVadim/SkirmishGo/internal/model"
	"github.com/dustin/go-humanize"
	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

const (
	BestAccuracyFile = "best_model_acc.snn"
	BestLossFile     = "best_model_loss.snn"
	HistoryFile      = "history.csv"
)

var ErrPersistence = errors.New("persistence failure")

// PersistenceError reports a failed write. It matches ErrPersistence with errors.Is.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return "persist " + e.Path + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

type Snapshotter interface {
	Save(w io.Writer) error
}

// FileStore keeps snapshots and the training history in one directory.
// Every file is written to a temporary name and renamed into place,
// so readers never see a partial file.
type FileStore struct {
	Dir    string
	Logger *log.Logger
}

func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, &PersistenceError{Path: dir, Err: err}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &FileStore{Dir: dir, Logger: logger}, nil
}

func (s *FileStore) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

func (s *FileStore) SaveModel(name string, m Snapshotter) error {
	size, err := s.write(name, m.Save)
	if err != nil {
		return err
	}
	s.Logger.Println("saveModel",
		"path", s.Path(name),
		"size", humanize.Bytes(uint64(size)))
	return nil
}

// SaveHistory rewrites the history file from a slice of csv-tagged records.
func (s *FileStore) SaveHistory(records interface{}) error {
	_, err := s.write(HistoryFile, func(w io.Writer) error {
		return gocsv.Marshal(records, w)
	})
	return err
}

func (s *FileStore) write(name string, fill func(w io.Writer) error) (int64, error) {
	var path = s.Path(name)
	f, err := os.CreateTemp(s.Dir, name+".tmp*")
	if err != nil {
		return 0, &PersistenceError{Path: path, Err: err}
	}
	var tmp = f.Name()
	var fail = func(err error) (int64, error) {
		f.Close()
		os.Remove(tmp)
		return 0, &PersistenceError{Path: path, Err: err}
	}
	if err := fill(f); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	info, err := f.Stat()
	if err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, &PersistenceError{Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, &PersistenceError{Path: path, Err: err}
	}
	return info.Size(), nil
}

// LoadModel reads a snapshot file.
func LoadModel(path string) (*model.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot")
	}
	defer f.Close()
	m, err := model.Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load %v", path)
	}
	return m, nil
}
