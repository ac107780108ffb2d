/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"path/filepath"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/capaj/electric/internal/shapes"
)

var (
	metaBucket     = []byte("meta")
	snapshotBucket = []byte("snapshot")
	logBucket      = []byte("log")

	snapshotBlobKey    = []byte("blob")
	snapshotStartedKey = []byte("started")
)

// BoltStorage is a Storage backed by one BoltDB file per shape handle.
// The log bucket is keyed by LogOffset.Encode(), so bbolt's natural
// byte-order cursor iteration is already offset order; no secondary
// index is needed.
type BoltStorage struct {
	db *bolt.DB
}

// OpenBoltStorage opens (creating if absent) the BoltDB file for a
// single shape handle under dir.
func OpenBoltStorage(dir string, handle shapes.Handle) (*BoltStorage, error) {
	path := filepath.Join(dir, string(handle)+".db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: opening bolt file for handle %s", handle)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{metaBucket, snapshotBucket, logBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "storage: creating buckets")
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Close() error { return s.db.Close() }

func (s *BoltStorage) SnapshotStarted(_ context.Context) (bool, error) {
	var started bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(snapshotStartedKey)
		started = v != nil
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "storage: reading snapshot_started")
	}
	return started, nil
}

func (s *BoltStorage) MakeNewSnapshot(_ context.Context, r io.Reader) error {
	blob, err := ioutil.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "storage: reading snapshot source")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(snapshotBucket).Put(snapshotBlobKey, blob); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(snapshotStartedKey, []byte{1})
	})
	if err != nil {
		return errors.Wrap(err, "storage: writing snapshot blob")
	}
	return nil
}

func (s *BoltStorage) GetSnapshot(_ context.Context) (shapes.LogOffset, io.ReadCloser, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(metaBucket).Get(snapshotStartedKey) == nil {
			return ErrSnapshotMissing
		}
		v := tx.Bucket(snapshotBucket).Get(snapshotBlobKey)
		blob = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		if err == ErrSnapshotMissing {
			return shapes.ZeroOffset, nil, ErrSnapshotMissing
		}
		return shapes.ZeroOffset, nil, errors.Wrap(err, "storage: reading snapshot blob")
	}
	return shapes.ZeroOffset, ioutil.NopCloser(bytes.NewReader(blob)), nil
}

func (s *BoltStorage) AppendToLog(_ context.Context, items []LogItem) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		for _, item := range items {
			key := item.Offset.Encode()
			if err := b.Put(key[:], encodeLogItem(item)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "storage: appending log items")
	}
	return nil
}

func (s *BoltStorage) GetLogStream(_ context.Context, from shapes.LogOffset) ([]LogItem, error) {
	var items []LogItem
	fromKey := from.Encode()
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for k, v := c.Seek(fromKey[:]); k != nil; k, v = c.Next() {
			if bytes.Equal(k, fromKey[:]) {
				continue // from is exclusive
			}
			item, err := decodeLogItem(k, v)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "storage: reading log stream")
	}
	return items, nil
}

func (s *BoltStorage) Cleanup(_ context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{metaBucket, snapshotBucket, logBucket} {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "storage: cleaning up")
	}
	return nil
}

// encodeLogItem/decodeLogItem keep the on-disk log item format local
// to this file: kind, key length, key bytes, then the record payload.
// The offset itself is the bbolt key and is not repeated in the value.

func encodeLogItem(item LogItem) []byte {
	kind := []byte(item.Kind)
	buf := make([]byte, 0, 1+1+len(kind)+2+len(item.Key)+len(item.Record))
	buf = append(buf, byte(len(kind)))
	buf = append(buf, kind...)
	buf = append(buf, byte(len(item.Key)>>8), byte(len(item.Key)))
	buf = append(buf, item.Key...)
	buf = append(buf, item.Record...)
	return buf
}

func decodeLogItem(key, value []byte) (LogItem, error) {
	if len(value) < 1 {
		return LogItem{}, errors.New("storage: corrupt log item: empty value")
	}
	kindLen := int(value[0])
	if len(value) < 1+kindLen+2 {
		return LogItem{}, errors.New("storage: corrupt log item: truncated kind")
	}
	kind := string(value[1 : 1+kindLen])
	rest := value[1+kindLen:]
	keyLen := int(rest[0])<<8 | int(rest[1])
	rest = rest[2:]
	if len(rest) < keyLen {
		return LogItem{}, errors.New("storage: corrupt log item: truncated key")
	}
	pk := append([]byte(nil), rest[:keyLen]...)
	record := append([]byte(nil), rest[keyLen:]...)

	var offset shapes.LogOffset
	if len(key) == 12 {
		offset = decodeOffset(key)
	}
	return LogItem{Offset: offset, Kind: kind, Record: record, Key: pk}, nil
}

func decodeOffset(b []byte) shapes.LogOffset {
	var lsn uint64
	for i := 0; i < 8; i++ {
		lsn = lsn<<8 | uint64(b[i])
	}
	var opIndex uint32
	for i := 8; i < 12; i++ {
		opIndex = opIndex<<8 | uint32(b[i])
	}
	return shapes.LogOffset{LSN: lsn, OpIndex: opIndex}
}
