// Package kv is the local persisted key-value state: read watermarks,
// one-time cleanup flags and cached settings. It survives restarts.
package kv

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/logger"
)

var ErrNotFound = errors.New("kv: key not found")

type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

type Pebble struct {
	db  *pebble.DB
	log *zap.Logger
}

// Open opens (or creates) a pebble database at path.
func Open(path string, log *zap.Logger) (*Pebble, error) {
	return open(path, &pebble.Options{}, logger.OrNop(log))
}

// OpenInMemory backs the store with an in-memory filesystem.
func OpenInMemory() (*Pebble, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()}, zap.NewNop())
}

func open(path string, opts *pebble.Options, log *zap.Logger) (*Pebble, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("failed to open kv store: %w", err)
	}
	log.Info("pebble_opened", zap.String("path", path))
	return &Pebble{db: db, log: log}, nil
}

func (p *Pebble) Get(key string) ([]byte, error) {
	v, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (p *Pebble) Set(key string, value []byte) error {
	if err := p.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (p *Pebble) Delete(key string) error {
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Keys returns every key starting with prefix.
func (p *Pebble) Keys(prefix string) ([]string, error) {
	pfx := []byte(prefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		out = append(out, string(iter.Key()))
	}
	return out, iter.Error()
}

// DiskUsage reports the on-disk size of the store, used by the status
// command.
func (p *Pebble) DiskUsage() uint64 {
	return p.db.Metrics().DiskSpaceUsage()
}

func (p *Pebble) Close() error {
	if err := p.db.Close(); err != nil {
		return err
	}
	p.log.Info("pebble_closed")
	return nil
}

// Journal stores tree nodes under prefix so an in-memory tree can be
// rebuilt from it at startup.
type Journal struct {
	p      *Pebble
	prefix string
}

func (p *Pebble) Journal(prefix string) *Journal {
	return &Journal{p: p, prefix: prefix}
}

func (j *Journal) Put(path string, value []byte) error {
	return j.p.Set(j.prefix+path, value)
}

func (j *Journal) Delete(path string) error {
	return j.p.Delete(j.prefix + path)
}

// Replay calls fn for every stored node in key order.
func (j *Journal) Replay(fn func(path string, value []byte)) error {
	pfx := []byte(j.prefix)
	iter, err := j.p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	n := 0
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		fn(string(iter.Key()[len(pfx):]), append([]byte(nil), iter.Value()...))
		n++
	}
	if err := iter.Error(); err != nil {
		return err
	}
	j.p.log.Info("journal_replayed", zap.String("prefix", j.prefix), zap.Int("nodes", n))
	return nil
}
