package pool_test

import (
	"os"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-hbtp/api"
	"github.com/momentics/hioload-hbtp/pool"
)

func newArena(t *testing.T, slots int) *pool.Arena {
	t.Helper()
	a, err := pool.NewArena(pool.ArenaConfig{Slots: slots, SlotSize: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestArenaExhaustion(t *testing.T) {
	const n = 8
	a := newArena(t, n)

	var held []*pool.Buffer
	for i := 0; i < n; i++ {
		b, err := a.Checkout()
		require.NoError(t, err)
		held = append(held, b)
	}
	_, err := a.Checkout()
	require.ErrorIs(t, err, api.ErrPoolExhausted)

	require.NoError(t, a.Return(held[3]))
	b, err := a.Checkout()
	require.NoError(t, err)
	assert.Equal(t, held[3].Index(), b.Index())
	_, err = a.Checkout()
	require.ErrorIs(t, err, api.ErrPoolExhausted)

	inUse, total := a.Utilization()
	assert.Equal(t, n, inUse)
	assert.Equal(t, n, total)
	assert.Equal(t, uint64(2), a.Stats().Exhausted)
}

func TestArenaSlotsArePageAligned(t *testing.T) {
	a := newArena(t, 4)
	page := uintptr(os.Getpagesize())
	assert.Equal(t, int(page), a.SlotSize())
	for i, r := range a.Regions() {
		require.Len(t, r, a.SlotSize(), "slot %d", i)
		assert.Zero(t, uintptr(unsafe.Pointer(&r[0]))%page, "slot %d", i)
	}
}

func TestArenaReturnMisuse(t *testing.T) {
	a := newArena(t, 2)
	other := newArena(t, 2)

	b, err := a.Checkout()
	require.NoError(t, err)
	require.ErrorIs(t, other.Return(b), pool.ErrForeignBuffer)

	require.NoError(t, b.BeginIO())
	require.ErrorIs(t, a.Return(b), pool.ErrBufferBusy)
	require.ErrorIs(t, b.BeginIO(), pool.ErrBufferBusy)
	b.EndIO()

	require.NoError(t, a.Return(b))
	require.ErrorIs(t, a.Return(b), pool.ErrDoubleReturn)
	assert.Equal(t, uint64(2), a.Stats().Misuse)
	assert.Equal(t, uint64(1), other.Stats().Misuse)

	inUse, _ := a.Utilization()
	assert.Zero(t, inUse)
}

func TestBufferSettle(t *testing.T) {
	a := newArena(t, 2)

	b, err := a.Checkout()
	require.NoError(t, err)
	b.Retain()
	b.Settle()
	inUse, _ := a.Utilization()
	assert.Equal(t, 1, inUse, "retained slot stays checked out")

	b.Settle()
	inUse, _ = a.Utilization()
	assert.Zero(t, inUse)

	b, err = a.Checkout()
	require.NoError(t, err)
	require.NoError(t, b.BeginIO())
	b.Settle()
	inUse, _ = a.Utilization()
	assert.Equal(t, 1, inUse, "in-flight slot is not reclaimed")
}

func TestBufferData(t *testing.T) {
	a := newArena(t, 1)
	b, err := a.Checkout()
	require.NoError(t, err)

	n, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(b.Data()))
	b.SetLen(2)
	assert.Equal(t, "he", string(b.Data()))
	assert.Panics(t, func() { b.SetLen(len(b.Bytes()) + 1) })

	b.Release()
	b2, err := a.Checkout()
	require.NoError(t, err)
	assert.Zero(t, b2.Len(), "length resets on checkout")
}

func TestArenaConcurrentCheckout(t *testing.T) {
	const slots = 64
	a := newArena(t, slots)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b, err := a.Checkout()
				if err != nil {
					continue
				}
				b.Bytes()[0] = byte(i)
				if err := a.Return(b); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	inUse, total := a.Utilization()
	assert.Zero(t, inUse)
	seen := make(map[uint32]bool)
	for i := 0; i < total; i++ {
		b, err := a.Checkout()
		require.NoError(t, err)
		require.False(t, seen[b.Index()], "slot %d handed out twice", b.Index())
		seen[b.Index()] = true
	}
}

func TestArenaRejectsBadConfig(t *testing.T) {
	_, err := pool.NewArena(pool.ArenaConfig{Slots: -1})
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = pool.NewArena(pool.ArenaConfig{Slots: 1 << 20, SlotSize: 1 << 30})
	require.ErrorIs(t, err, pool.ErrArenaTooLarge)
}
