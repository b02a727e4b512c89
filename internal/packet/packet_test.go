package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListPushPop(t *testing.T) {
	var l List
	a := New([]byte("a"))
	b := New([]byte("b"))
	l.PushBack(a)
	l.PushBack(b)
	require.Equal(t, 2, l.Len())

	got := l.PopFront()
	require.Same(t, a, got)
	require.Equal(t, 1, l.Len())

	got = l.PopFront()
	require.Same(t, b, got)
	require.True(t, l.Empty())
	require.Nil(t, l.PopFront())
}

func TestListConcat(t *testing.T) {
	var l1, l2 List
	l1.PushBack(New([]byte("a")))
	l2.PushBack(New([]byte("b")))
	l2.PushBack(New([]byte("c")))

	l1.Concat(&l2)
	require.Equal(t, 3, l1.Len())
	require.True(t, l2.Empty())
	require.Equal(t, 0, l2.Len())
}

func TestFrontAdvance(t *testing.T) {
	var input List
	input.PushBack(New([]byte("a")))
	f := NewFront(input)

	f.Advance()
	require.Equal(t, 1, f.Input.Len())
	require.True(t, f.Output.Empty())
}

func TestRefcountLifecycle(t *testing.T) {
	p := New([]byte("x"))
	require.Equal(t, int32(1), p.RefCount())
	require.True(t, p.ReleasedByRemote())

	p.Hold()
	require.Equal(t, int32(2), p.RefCount())
	require.False(t, p.ReleasedByRemote())

	p.Release()
	require.Equal(t, int32(1), p.RefCount())
	require.True(t, p.ReleasedByRemote())
}
