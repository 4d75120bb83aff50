package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKernelRelease(t *testing.T) {
	cases := map[string]string{
		"5.15.0-91-generic":           "5.15.0",
		"6.1.55+":                     "6.1.55",
		"4.19.112-microsoft-standard": "4.19.112",
		"6.18.44-fc-v139":             "6.18.44",
		"5.6":                         "5.6.0",
		"3.10.0-1160.el7.x86_64":      "3.10.0",
	}
	for in, want := range cases {
		v, err := ParseKernelRelease(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, v.String(), in)
	}

	_, err := ParseKernelRelease("generic")
	assert.Error(t, err)
}

func TestKernelSupportsIoUring(t *testing.T) {
	assert.True(t, KernelSupportsIoUring("5.6.0"))
	assert.True(t, KernelSupportsIoUring("6.8.0-40-generic"))
	assert.True(t, KernelSupportsIoUring("5.10.0-rc1"))
	assert.False(t, KernelSupportsIoUring("5.5.19"))
	assert.False(t, KernelSupportsIoUring("5.1.0"))
	assert.False(t, KernelSupportsIoUring("4.19.112-microsoft-standard"))
	assert.False(t, KernelSupportsIoUring(""))
}
