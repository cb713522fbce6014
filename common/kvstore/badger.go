// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/log"
	bdb "github.com/dgraph-io/badger/v4"
)

type (
	badgerdb struct {
		path string
		db   *bdb.DB
		cols map[CF]struct{}
		lock sync.RWMutex
	}
	badgerListReader struct {
		txn       *bdb.Txn
		iterator  *bdb.Iterator
		colPrefix []byte
		prefix    []byte
		isFirst   bool
	}
	bytesGetter struct {
		data []byte
	}
	badgerWriteBatch struct {
		s   *badgerdb
		ops []batchOp
	}
	batchOp struct {
		key      []byte
		value    []byte
		endKey   []byte
		isDelete bool
	}
	badgerLogger struct{}
)

func newBadgerdb(ctx context.Context, path string, option *Option) (Store, error) {
	opts := bdb.DefaultOptions(path)
	if option.InMemory {
		opts = bdb.DefaultOptions("").WithInMemory(true)
	} else {
		if path == "" {
			return nil, errors.New("path is empty")
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
	}
	opts = opts.WithSyncWrites(option.Sync).WithLogger(badgerLogger{})
	if option.BlockSize > 0 {
		opts = opts.WithBlockSize(option.BlockSize)
	}
	if option.BlockCache > 0 {
		opts = opts.WithBlockCacheSize(int64(option.BlockCache))
	}
	if option.MaxWriteBufferNumber > 0 {
		opts = opts.WithNumMemtables(option.MaxWriteBufferNumber)
	}
	if option.WriteBufferSize > 0 {
		opts = opts.WithMemTableSize(int64(option.WriteBufferSize))
	}

	db, err := bdb.Open(opts)
	if err != nil {
		return nil, err
	}

	cols := map[CF]struct{}{defaultCF: {}}
	for _, col := range option.ColumnFamily {
		cols[col] = struct{}{}
	}
	return &badgerdb{path: path, db: db, cols: cols}, nil
}

func (badgerLogger) Errorf(format string, v ...interface{})   { log.Errorf(format, v...) }
func (badgerLogger) Warningf(format string, v ...interface{}) { log.Warnf(format, v...) }
func (badgerLogger) Infof(format string, v ...interface{})    { log.Debugf(format, v...) }
func (badgerLogger) Debugf(format string, v ...interface{})   { log.Debugf(format, v...) }

func (g bytesGetter) Key() []byte {
	return g.data
}

func (g *bytesGetter) Value() []byte {
	return g.data
}

func (g bytesGetter) Close() {}

func (lr *badgerListReader) ReadNext() (key KeyGetter, val ValueGetter, err error) {
	if !lr.isFirst {
		lr.iterator.Next()
	}
	lr.isFirst = false
	if !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}
	item := lr.iterator.Item()
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	k := item.KeyCopy(nil)[len(lr.colPrefix):]
	return bytesGetter{data: k}, &bytesGetter{data: value}, nil
}

func (lr *badgerListReader) ReadNextCopy() (key []byte, value []byte, err error) {
	kg, vg, err := lr.ReadNext()
	if err != nil || kg == nil {
		return nil, nil, err
	}
	return kg.Key(), vg.Value(), nil
}

func (lr *badgerListReader) Close() {
	lr.iterator.Close()
	lr.txn.Discard()
}

func (w *badgerWriteBatch) Put(col CF, key, value []byte) {
	w.ops = append(w.ops, batchOp{key: w.s.encodeKey(col, key), value: copyBytes(value)})
}

func (w *badgerWriteBatch) Delete(col CF, key []byte) {
	w.ops = append(w.ops, batchOp{key: w.s.encodeKey(col, key), isDelete: true})
}

func (w *badgerWriteBatch) DeleteRange(col CF, startKey, endKey []byte) {
	w.ops = append(w.ops, batchOp{
		key:      w.s.encodeKey(col, startKey),
		endKey:   w.s.encodeKey(col, endKey),
		isDelete: true,
	})
}

func (w *badgerWriteBatch) Close() {
	w.ops = nil
}

func (s *badgerdb) NewWriteBatch() WriteBatch {
	return &badgerWriteBatch{s: s}
}

func (s *badgerdb) CreateColumn(col CF) error {
	s.lock.Lock()
	s.cols[col] = struct{}{}
	s.lock.Unlock()
	return nil
}

func (s *badgerdb) GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error) {
	err = s.db.View(func(txn *bdb.Txn) error {
		item, err := txn.Get(s.encodeKey(col, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == bdb.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	return
}

func (s *badgerdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	return s.db.Update(func(txn *bdb.Txn) error {
		return txn.Set(s.encodeKey(col, key), value)
	})
}

func (s *badgerdb) Delete(ctx context.Context, col CF, key []byte) error {
	return s.db.Update(func(txn *bdb.Txn) error {
		return txn.Delete(s.encodeKey(col, key))
	})
}

func (s *badgerdb) List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader {
	colPrefix := s.encodeKey(col, nil)
	fullPrefix := append(copyBytes(colPrefix), prefix...)

	txn := s.db.NewTransaction(false)
	opts := bdb.DefaultIteratorOptions
	opts.Prefix = colPrefix
	it := txn.NewIterator(opts)
	if len(marker) > 0 {
		it.Seek(append(copyBytes(colPrefix), marker...))
	} else {
		it.Seek(fullPrefix)
	}

	return &badgerListReader{
		txn:       txn,
		iterator:  it,
		colPrefix: colPrefix,
		prefix:    fullPrefix,
		isFirst:   true,
	}
}

func (s *badgerdb) Write(ctx context.Context, batch WriteBatch) error {
	ops, err := s.expandDeleteRange(batch.(*badgerWriteBatch).ops)
	if err != nil {
		return err
	}

	txn := s.db.NewTransaction(true)
	defer func() {
		txn.Discard()
	}()
	for _, op := range ops {
		err := applyBatchOp(txn, op)
		if err == bdb.ErrTxnTooBig {
			if err = txn.Commit(); err != nil {
				return err
			}
			txn = s.db.NewTransaction(true)
			err = applyBatchOp(txn, op)
		}
		if err != nil {
			return err
		}
	}
	return txn.Commit()
}

func (s *badgerdb) FlushCF(ctx context.Context, col CF) error {
	if s.db.Opts().InMemory {
		return nil
	}
	return s.db.Sync()
}

func (s *badgerdb) Close() {
	if err := s.db.Close(); err != nil {
		log.Errorf("close badger[%s] failed: %s", s.path, err)
	}
}

// expandDeleteRange turns range deletions into point deletions
func (s *badgerdb) expandDeleteRange(ops []batchOp) ([]batchOp, error) {
	ret := make([]batchOp, 0, len(ops))
	for _, op := range ops {
		if op.endKey == nil {
			ret = append(ret, op)
			continue
		}
		err := s.db.View(func(txn *bdb.Txn) error {
			opts := bdb.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Seek(op.key); it.Valid(); it.Next() {
				key := it.Item().KeyCopy(nil)
				if bytes.Compare(key, op.endKey) >= 0 {
					break
				}
				ret = append(ret, batchOp{key: key, isDelete: true})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func (s *badgerdb) encodeKey(col CF, key []byte) []byte {
	if col == "" {
		col = defaultCF
	}
	s.lock.RLock()
	_, ok := s.cols[col]
	s.lock.RUnlock()
	if !ok {
		panic("col:" + col.String() + " not exist")
	}
	ret := make([]byte, 0, 1+len(col)+len(key))
	ret = append(ret, byte(len(col)))
	ret = append(ret, col.String()...)
	ret = append(ret, key...)
	return ret
}

func applyBatchOp(txn *bdb.Txn, op batchOp) error {
	if op.isDelete {
		return txn.Delete(op.key)
	}
	return txn.Set(op.key, op.value)
}

func copyBytes(b []byte) []byte {
	ret := make([]byte, len(b))
	copy(ret, b)
	return ret
}
