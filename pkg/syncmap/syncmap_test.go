/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package syncmap

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapBasics(t *testing.T) {
	t.Parallel()

	var m Map[string, *int]
	assert.Equal(t, 0, m.Len())

	one := 1
	m.Store("one", &one)
	m.Store("nil", nil)

	v, found := m.Load("one")
	require.True(t, found)
	assert.Equal(t, 1, *v)

	v, found = m.Load("nil")
	assert.True(t, found)
	assert.Nil(t, v)

	_, found = m.Load("missing")
	assert.False(t, found)

	two := 2
	actual, loaded := m.LoadOrStore("one", &two)
	assert.True(t, loaded)
	assert.Equal(t, 1, *actual)

	actual, loaded = m.LoadOrStore("two", &two)
	assert.False(t, loaded)
	assert.Equal(t, 2, *actual)
	assert.Equal(t, 3, m.Len())

	v, found = m.LoadAndDelete("two")
	require.True(t, found)
	assert.Equal(t, 2, *v)
	_, found = m.LoadAndDelete("two")
	assert.False(t, found)

	keys := map[string]bool{}
	m.Range(func(key string, _ *int) bool {
		keys[key] = true
		return true
	})
	assert.Equal(t, map[string]bool{"one": true, "nil": true}, keys)
}

func TestMapDrain(t *testing.T) {
	t.Parallel()

	var m Map[int, string]
	for i := range 10 {
		m.Store(i, "v")
	}

	drained := map[int]string{}
	m.Drain(func(key int, value string) {
		drained[key] = value
	})
	assert.Len(t, drained, 10)
	assert.Equal(t, 0, m.Len())

	assert.NotPanics(t, func() { m.Drain(nil) })
}

func TestMapLoadAndDeleteHasSingleWinner(t *testing.T) {
	t.Parallel()

	var m Map[int, int]
	const keys = 100
	for i := range keys {
		m.Store(i, i)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range keys {
				if _, loaded := m.LoadAndDelete(i); loaded {
					wins.Add(1)
				}
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Drain(func(int, int) { wins.Add(1) })
		}()
	}
	wg.Wait()

	assert.EqualValues(t, keys, wins.Load())
	assert.Equal(t, 0, m.Len())
}
