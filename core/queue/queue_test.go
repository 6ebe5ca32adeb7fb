// queue_test.go - updatable queue tests.
// Copyright (C) 2024  The tdmh authors.
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdatableFIFOOrder(t *testing.T) {
	require := require.New(t)

	q := NewUpdatable[int, string]()
	require.True(q.Empty())

	q.Enqueue(1, "a")
	q.Enqueue(2, "b")
	q.Enqueue(3, "c")
	require.Equal(3, q.Len())

	v, ok := q.Dequeue()
	require.True(ok)
	require.Equal("a", v)
	v, ok = q.Dequeue()
	require.True(ok)
	require.Equal("b", v)
	v, ok = q.Dequeue()
	require.True(ok)
	require.Equal("c", v)
	_, ok = q.Dequeue()
	require.False(ok)
}

func TestUpdatableReplaceKeepsPosition(t *testing.T) {
	require := require.New(t)

	q := NewUpdatable[int, string]()
	q.Enqueue(1, "a")
	q.Enqueue(2, "b")
	// Replacing key 1 must not move it behind key 2.
	q.Enqueue(1, "a2")
	require.Equal(2, q.Len())

	k, v, ok := q.DequeuePair()
	require.True(ok)
	require.Equal(1, k)
	require.Equal("a2", v)
}

func TestUpdatableFrontAndClear(t *testing.T) {
	require := require.New(t)

	q := NewUpdatable[string, int]()
	_, ok := q.Front()
	require.False(ok)

	q.Enqueue("x", 1)
	v, ok := q.Front()
	require.True(ok)
	require.Equal(1, v)
	require.Equal(1, q.Len())

	q.Clear()
	require.True(q.Empty())
}
