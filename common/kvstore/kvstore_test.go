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
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"testing"

	"github.com/cubefs/journal/util"
	"github.com/stretchr/testify/require"
)

var allKVTypes = []LsmKVType{RocksdbLsmKVType, BadgerLsmKVType}

type testEg struct {
	engine Store
	path   string
	opt    *Option
}

func newEngine(ctx context.Context, lsmType LsmKVType, opt *Option) (*testEg, error) {
	path, err := util.GenTmpPath()
	if err != nil {
		return nil, err
	}
	var _opt *Option
	if opt != nil {
		_opt = opt
	} else {
		_opt = new(Option)
	}
	_opt.CreateIfMissing = true
	_opt.Sync = true
	engine, err := NewKVStore(ctx, path, lsmType, _opt)
	if err != nil {
		return nil, err
	}
	return &testEg{
		engine: engine,
		path:   path,
		opt:    _opt,
	}, nil
}

func (eg *testEg) close() {
	eg.engine.Close()
	os.RemoveAll(eg.path)
}

func Test_openRocksdb(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	opt := new(Option)
	opt.CreateIfMissing = true
	opt.BlockSize = 1 << 20
	opt.BlockCache = 1 << 20
	opt.MaxBackgroundCompactions = 8
	opt.KeepLogFileNum = 10000
	opt.ColumnFamily = []CF{"a", "b", "c"}
	opt.CompactionStyle = LevelStyle
	eg, err := newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	eg.Close()

	// open with empty path
	_, err = newRocksdb(ctx, "", opt)
	require.Equal(t, errors.New("path is empty"), err)
	// reopen db
	eg, err = newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	eg.Close()
	// open with wrong cf
	opt.ColumnFamily = []CF{"a", "b"}
	_, err = newRocksdb(ctx, path, opt)
	require.Error(t, err)
}

func Test_openBadger(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	opt := &Option{ColumnFamily: []CF{"a"}}

	eg, err := newBadgerdb(ctx, path, opt)
	require.NoError(t, err)
	require.NoError(t, eg.SetRaw(ctx, "a", []byte("k"), []byte("v")))
	eg.Close()

	_, err = newBadgerdb(ctx, "", opt)
	require.Equal(t, errors.New("path is empty"), err)

	// reopen and read back
	eg, err = newBadgerdb(ctx, path, opt)
	require.NoError(t, err)
	v, err := eg.GetRaw(ctx, "a", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
	eg.Close()

	// in memory ignores path
	eg, err = newBadgerdb(ctx, "", &Option{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, eg.FlushCF(ctx, defaultCF))
	eg.Close()

	_, err = NewKVStore(ctx, path, LsmKVType("unknown"), opt)
	require.Equal(t, ErrKVTypeNotFound, err)
}

func TestInstance_CreateColumn(t *testing.T) {
	ctx := context.TODO()
	for _, typ := range allKVTypes {
		eg, err := newEngine(ctx, typ, nil)
		require.NoError(t, err)

		require.Panics(t, func() { eg.engine.SetRaw(ctx, "colA", []byte("k"), []byte("v")) })
		err = eg.engine.CreateColumn("colA")
		require.NoError(t, err)
		require.NoError(t, eg.engine.CreateColumn("colA"))
		require.NoError(t, eg.engine.SetRaw(ctx, "colA", []byte("k"), []byte("v")))
		_, err = eg.engine.GetRaw(ctx, "", []byte("k"))
		require.Equal(t, ErrNotFound, err)
		eg.close()
	}
}

func TestInstance_SetGetRaw(t *testing.T) {
	ctx := context.TODO()
	for _, typ := range allKVTypes {
		eg, err := newEngine(ctx, typ, nil)
		require.NoError(t, err)

		k := []byte("key1")
		v := []byte("value1")
		err = eg.engine.SetRaw(ctx, defaultCF, k, v)
		require.NoError(t, err)
		v1, err := eg.engine.GetRaw(ctx, defaultCF, k)
		require.NoError(t, err)
		require.Equal(t, v, v1)
		err = eg.engine.Delete(ctx, defaultCF, k)
		require.NoError(t, err)
		_, err = eg.engine.GetRaw(ctx, defaultCF, k)
		require.Equal(t, ErrNotFound, err)
		eg.close()
	}
}

func TestWrite(t *testing.T) {
	ctx := context.TODO()
	for _, typ := range allKVTypes {
		eg, err := newEngine(ctx, typ, nil)
		require.NoError(t, err)

		col1 := CF("c1")
		require.NoError(t, eg.engine.CreateColumn(col1))

		batch := eg.engine.NewWriteBatch()
		for i := 0; i < 5; i++ {
			batch.Put(col1, []byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)))
		}
		batch.Put(defaultCF, []byte("k1"), []byte("other"))
		err = eg.engine.Write(ctx, batch)
		require.NoError(t, err)
		batch.Close()
		for i := 0; i < 5; i++ {
			v, err := eg.engine.GetRaw(ctx, col1, []byte(fmt.Sprintf("k%d", i)))
			require.NoError(t, err)
			require.Equal(t, []byte(fmt.Sprintf("v%d", i)), v)
		}

		batch = eg.engine.NewWriteBatch()
		batch.DeleteRange(col1, []byte("k0"), []byte("k4"))
		batch.Delete(col1, []byte("k4"))
		err = eg.engine.Write(ctx, batch)
		require.NoError(t, err)
		batch.Close()
		for i := 0; i < 5; i++ {
			_, err = eg.engine.GetRaw(ctx, col1, []byte(fmt.Sprintf("k%d", i)))
			require.Equal(t, ErrNotFound, err)
		}
		// other column family untouched
		v, err := eg.engine.GetRaw(ctx, defaultCF, []byte("k1"))
		require.NoError(t, err)
		require.Equal(t, []byte("other"), v)
		eg.close()
	}
}

func TestInstance_List(t *testing.T) {
	ctx := context.TODO()
	for _, typ := range allKVTypes {
		eg, err := newEngine(ctx, typ, nil)
		require.NoError(t, err)

		for _, kv := range [][2]string{
			{"key1", "value1"}, {"word1", "w1"}, {"key2", "value2"}, {"check", "0"},
			{"word2", "w2"}, {"key3", "value3"}, {"word3", "w3"}, {"xyz", "zyx"}, {"key4", "value4"},
		} {
			err = eg.engine.SetRaw(ctx, defaultCF, []byte(kv[0]), []byte(kv[1]))
			require.NoError(t, err)
		}

		// prefix read
		ls := eg.engine.List(ctx, defaultCF, []byte("key"), nil)
		i := 0
		for {
			kg, vg, err := ls.ReadNext()
			require.NoError(t, err)
			if kg == nil {
				break
			}
			i++
			require.Equal(t, []byte("key"+strconv.Itoa(i)), kg.Key())
			require.Equal(t, []byte("value"+strconv.Itoa(i)), vg.Value())
			kg.Close()
			vg.Close()
		}
		require.Equal(t, 4, i)
		ls.Close()

		// marker read
		ls = eg.engine.List(ctx, defaultCF, []byte("key"), []byte("key3"))
		k, v, err := ls.ReadNextCopy()
		require.NoError(t, err)
		require.Equal(t, []byte("key3"), k)
		require.Equal(t, []byte("value3"), v)
		ls.Close()

		// marker past the prefix ends the read
		ls = eg.engine.List(ctx, defaultCF, []byte("word"), []byte("word3"))
		k, v, err = ls.ReadNextCopy()
		require.NoError(t, err)
		require.Equal(t, []byte("word3"), k)
		require.Equal(t, []byte("w3"), v)
		k, _, err = ls.ReadNextCopy()
		require.NoError(t, err)
		require.Nil(t, k)
		ls.Close()
		eg.close()
	}
}

func TestInstance_ListColumnIsolation(t *testing.T) {
	ctx := context.TODO()
	for _, typ := range allKVTypes {
		eg, err := newEngine(ctx, typ, &Option{ColumnFamily: []CF{"a", "ab"}})
		require.NoError(t, err)

		require.NoError(t, eg.engine.SetRaw(ctx, "a", []byte("1"), []byte("a1")))
		require.NoError(t, eg.engine.SetRaw(ctx, "ab", []byte("1"), []byte("ab1")))

		ls := eg.engine.List(ctx, "a", nil, nil)
		k, v, err := ls.ReadNextCopy()
		require.NoError(t, err)
		require.Equal(t, []byte("1"), k)
		require.Equal(t, []byte("a1"), v)
		k, _, err = ls.ReadNextCopy()
		require.NoError(t, err)
		require.Nil(t, k)
		ls.Close()

		require.NoError(t, eg.engine.FlushCF(ctx, "a"))
		eg.close()
	}
}
