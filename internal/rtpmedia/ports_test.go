package rtpmedia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorRoundsBoundsToEven(t *testing.T) {
	a, err := NewPortAllocator(10001, 10007)
	require.NoError(t, err)

	p1, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 10002, p1)
	p2, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 10004, p2)
}

func TestAllocatorRejectsEmptyRange(t *testing.T) {
	_, err := NewPortAllocator(10003, 10003)
	assert.Error(t, err)
}

func TestAllocatorRoundRobin(t *testing.T) {
	a, err := NewPortAllocator(10000, 10004)
	require.NoError(t, err)

	p1, _ := a.Allocate()
	a.Release(p1)
	// The scan resumes past the released port instead of reusing it at once.
	p2, _ := a.Allocate()
	assert.Equal(t, 10002, p2)
	p3, _ := a.Allocate()
	assert.Equal(t, 10004, p3)
	p4, _ := a.Allocate()
	assert.Equal(t, 10000, p4)
}

func TestAllocatorExhaustion(t *testing.T) {
	a, err := NewPortAllocator(10000, 10002)
	require.NoError(t, err)

	_, err = a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 2, a.InUse())

	_, err = a.Allocate()
	assert.Error(t, err)
}

func TestReleaseIsIdempotent(t *testing.T) {
	a, err := NewPortAllocator(10000, 10002)
	require.NoError(t, err)

	p, _ := a.Allocate()
	a.Release(p)
	a.Release(p)
	a.Release(99999)
	assert.Equal(t, 0, a.InUse())
}
