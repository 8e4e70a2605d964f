// Copyright (C) 2024-2026  The Managarm Authors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

package radix

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTreeBasic(t *testing.T) {
	assert := require.New(t)

	var tr Tree[int]
	assert.Nil(tr.Lookup(0))
	assert.Nil(tr.Lookup(1 << 40))

	keys := []uint64{0, 1, 63, 64, 4095, 4096, 1 << 20, 1 << 40, 1<<40 + 1}
	for i, k := range keys {
		v := i
		assert.Nil(tr.Insert(k, &v))
	}
	for i, k := range keys {
		v := tr.Lookup(k)
		assert.NotNil(v, "key %#x", k)
		assert.Equal(i, *v, "key %#x", k)
	}

	// untouched neighbours stay empty
	assert.Nil(tr.Lookup(2))
	assert.Nil(tr.Lookup(65))
	assert.Nil(tr.Lookup(1<<40 + 2))

	// replace returns the previous value
	nv := 100
	old := tr.Insert(64, &nv)
	assert.NotNil(old)
	assert.Equal(3, *old)
	assert.Equal(100, *tr.Lookup(64))
}

func TestTreeDelete(t *testing.T) {
	assert := require.New(t)

	var tr Tree[string]
	s1, s2 := "a", "b"
	tr.Insert(10, &s1)
	tr.Insert(1<<30, &s2)

	assert.Nil(tr.Delete(11))
	v := tr.Delete(10)
	assert.NotNil(v)
	assert.Equal("a", *v)
	assert.Nil(tr.Lookup(10))
	assert.Equal("b", *tr.Lookup(1<<30))
}

func TestTreeForEach(t *testing.T) {
	assert := require.New(t)

	var tr Tree[uint64]
	keys := []uint64{5, 1 << 18, 3, 1 << 33, 77}
	for _, k := range keys {
		k := k
		tr.Insert(k, &k)
	}

	var visited []uint64
	tr.ForEach(func(key uint64, v *uint64) bool {
		assert.Equal(key, *v)
		visited = append(visited, key)
		return true
	})
	assert.Equal([]uint64{3, 5, 77, 1 << 18, 1 << 33}, visited)

	// early stop
	visited = visited[:0]
	tr.ForEach(func(key uint64, v *uint64) bool {
		visited = append(visited, key)
		return len(visited) < 2
	})
	assert.Equal([]uint64{3, 5}, visited)
}

// TestTreeConcurrentReaders: lookups race with one writer; published
// entries stay reachable.
func TestTreeConcurrentReaders(t *testing.T) {
	assert := require.New(t)

	var tr Tree[uint64]
	const n = 1 << 12

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for k := uint64(0); k < n; k++ {
			k := k
			tr.Insert(k*64, &k)
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := uint64(0); k < n; k++ {
				if v := tr.Lookup(k * 64); v != nil && *v != k {
					panic("torn read")
				}
			}
		}()
	}
	wg.Wait()

	for k := uint64(0); k < n; k++ {
		v := tr.Lookup(k * 64)
		assert.NotNil(v)
		assert.Equal(k, *v)
	}
}
