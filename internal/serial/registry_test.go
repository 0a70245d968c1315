package serial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/pkg/types"
)

func newDisk(host, name string) *types.Disk {
	return &types.Disk{Host: host, Name: name}
}

func TestToSerialRoundTrip(t *testing.T) {
	r := NewRegistry()
	disks := []*types.Disk{
		newDisk("alpha", "/var"),
		newDisk("alpha", "/home"),
		newDisk("beta", "/"),
	}

	for _, d := range disks {
		token := r.ToSerial(d)
		got, err := r.FromSerial(token)
		require.NoError(t, err)
		assert.Same(t, d, got)
	}
	assert.Equal(t, 3, r.Len())
}

func TestToSerialIsStable(t *testing.T) {
	r := NewRegistry()
	d := newDisk("alpha", "/var")

	first := r.ToSerial(d)
	second := r.ToSerial(d)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.Len())
}

func TestFromSerialUnknown(t *testing.T) {
	r := NewRegistry()
	r.ToSerial(newDisk("alpha", "/var"))

	for _, token := range []string{"", "garbage", "99-00001", "00-00002", "-1-1", "00-x"} {
		_, err := r.FromSerial(token)
		assert.ErrorIs(t, err, errors.ErrUnknownSerial, "token %q", token)
	}
}

func TestReleaseInvalidatesToken(t *testing.T) {
	r := NewRegistry()
	d := newDisk("alpha", "/var")
	token := r.ToSerial(d)

	require.NoError(t, r.Release(token))
	_, err := r.FromSerial(token)
	assert.ErrorIs(t, err, errors.ErrUnknownSerial)

	// 重複釋放視為未知 token
	assert.ErrorIs(t, r.Release(token), errors.ErrUnknownSerial)
	assert.Equal(t, 0, r.Len())
}

func TestReusedSlotGetsNewGeneration(t *testing.T) {
	r := NewRegistry()
	a := newDisk("alpha", "/var")
	b := newDisk("beta", "/var")

	oldToken := r.ToSerial(a)
	require.NoError(t, r.Release(oldToken))

	newToken := r.ToSerial(b)
	assert.NotEqual(t, oldToken, newToken)

	got, err := r.FromSerial(newToken)
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = r.FromSerial(oldToken)
	assert.ErrorIs(t, err, errors.ErrUnknownSerial)
}

func TestReRegisterAfterRelease(t *testing.T) {
	r := NewRegistry()
	d := newDisk("alpha", "/var")

	first := r.ToSerial(d)
	require.NoError(t, r.Release(first))
	second := r.ToSerial(d)

	assert.NotEqual(t, first, second)
	got, err := r.FromSerial(second)
	require.NoError(t, err)
	assert.Same(t, d, got)
}
