// Package persist binds small binary state to crash safe storage (extremofile).
package persist

import (
	"encoding"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/iotproject/edgecast/log2"
	"github.com/juju/errors"
	"github.com/temoto/extremofile"
)

type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Persist with empty root is in-memory only: Load and Store are no-op.
type Persist struct {
	sync.Mutex
	log     *log2.Log
	tag     string
	target  Stater
	storage storage
}

func New(log *log2.Log, tag string, target Stater, root string) (*Persist, error) {
	if target == nil {
		return nil, errors.NotValidf("persist %s target=nil", tag)
	}
	p := &Persist{log: log, tag: tag, target: target}
	if root == "" {
		p.log.Debugf("persist %s disabled", tag)
		return p, nil
	}
	p.storage = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, tag),
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return p, nil
}

func (p *Persist) Enabled() bool { return p.storage != nil }

// Load keeps target untouched when nothing was stored yet.
func (p *Persist) Load() error {
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	tbegin := time.Now()
	b, err := p.storage.Read()
	p.log.Debugf("persist %s storage.read duration=%v", p.tag, time.Since(tbegin))
	if extremofile.IsCritical(err) {
		return errors.Annotatef(err, "persist %s Load", p.tag)
	}
	if err != nil {
		p.log.Errorf("persist %s ignore non-critical storage err=%v", p.tag, err)
	}
	if b == nil {
		return nil
	}
	return errors.Annotatef(p.target.UnmarshalBinary(b), "persist %s Load", p.tag)
}

func (p *Persist) Store() error {
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	b, err := p.target.MarshalBinary()
	if err == nil {
		tbegin := time.Now()
		_, err = p.storage.Write(b)
		p.log.Debugf("persist %s storage.write duration=%v", p.tag, time.Since(tbegin))
	}
	return errors.Annotatef(err, "persist %s Store", p.tag)
}
