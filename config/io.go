package config

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

type FullReader interface {
	Normalize(key string) string
	// nil,nil = not found
	ReadAll(key string) ([]byte, error)
}

type OsFullReader struct {
	base string
}

func NewOsFullReader() *OsFullReader {
	wd, err := os.Getwd()
	if err != nil {
		err = errors.Annotate(err, "os.Getwd")
		log.Fatal(errors.ErrorStack(err))
	}
	return &OsFullReader{base: wd}
}

// SetBase makes relative include paths resolve against dir of main config file.
func (self *OsFullReader) SetBase(dir string) {
	abs, err := filepath.Abs(filepath.Join(self.base, dir))
	if err != nil {
		err = errors.Annotatef(err, "filepath.Abs() path=%s", dir)
		log.Fatal(errors.ErrorStack(err))
	}
	self.base = abs
}

func (self OsFullReader) Normalize(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(self.base, path))
}

func (OsFullReader) ReadAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

type MockFullReader struct {
	Map map[string]string
}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (self *MockFullReader) Normalize(name string) string {
	return filepath.Clean(name)
}

func (self *MockFullReader) ReadAll(name string) ([]byte, error) {
	if s, ok := self.Map[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}
