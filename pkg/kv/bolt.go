package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("sage")

// bbolt holds an exclusive lock on its file, so every client of one file
// in this process shares a single handle.
var boltFiles = struct {
	sync.Mutex
	open map[string]*sharedBolt
}{open: make(map[string]*sharedBolt)}

type sharedBolt struct {
	db   *bolt.DB
	refs int
}

type boltDialer struct {
	opts Options
}

// Dial opens the bbolt database file named by host. port is ignored.
func (d *boltDialer) Dial(_ context.Context, host string, _ int) (Client, error) {
	path, err := filepath.Abs(host)
	if err != nil {
		return nil, err
	}

	boltFiles.Lock()
	defer boltFiles.Unlock()

	sh, ok := boltFiles.open[path]
	if !ok {
		db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: d.opts.DialTimeout})
		if err != nil {
			return nil, fmt.Errorf("opening bolt database %s: %w", path, err)
		}
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(boltBucket)
			return err
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("creating bucket in %s: %w", path, err)
		}
		sh = &sharedBolt{db: db}
		boltFiles.open[path] = sh
	}
	sh.refs++

	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() {
			boltFiles.Lock()
			defer boltFiles.Unlock()
			sh.refs--
			if sh.refs == 0 {
				delete(boltFiles.open, path)
				err = sh.db.Close()
			}
		})
		return err
	}
	return &embeddedClient{st: &boltStore{db: sh.db}, release: release}, nil
}

type boltStore struct {
	db *bolt.DB
}

func (s *boltStore) get(_ context.Context, key string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if bs := tx.Bucket(boltBucket).Get([]byte(key)); bs != nil {
			val, ok = string(bs), true
		}
		return nil
	})
	return val, ok, err
}

func (s *boltStore) set(_ context.Context, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), []byte(value))
	})
}

func (s *boltStore) del(_ context.Context, key string) (bool, error) {
	var found bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		if b.Get([]byte(key)) == nil {
			return nil
		}
		found = true
		return b.Delete([]byte(key))
	})
	return found, err
}

func (s *boltStore) keys(_ context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *boltStore) flush(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(boltBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(boltBucket)
		return err
	})
}

func (s *boltStore) update(_ context.Context, key string, fn func(string, bool) (string, bool, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		old := b.Get([]byte(key))
		v, write, err := fn(string(old), old != nil)
		if err != nil || !write {
			return err
		}
		return b.Put([]byte(key), []byte(v))
	})
}

func (s *boltStore) close() error {
	return s.db.Close()
}
