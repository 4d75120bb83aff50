//go:build linux

package affinity_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-hbtp/affinity"
)

func TestSetAffinityPinsCallingThread(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	before, err := affinity.Current()
	require.NoError(t, err)
	require.NotEmpty(t, before)
	defer func() {
		var set unix.CPUSet
		for _, c := range before {
			set.Set(c)
		}
		_ = unix.SchedSetaffinity(0, &set)
	}()

	target := before[len(before)-1]
	require.NoError(t, affinity.SetAffinity(target))
	now, err := affinity.Current()
	require.NoError(t, err)
	require.Equal(t, []int{target}, now)
}

func TestSetAffinityRejectsNegative(t *testing.T) {
	require.Error(t, affinity.SetAffinity(-1))
}
