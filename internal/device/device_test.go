package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phoenixguard/sentinel/pkg/types"
)

const base = 0xFF000000

func TestMemory(t *testing.T) {
	m := NewMemory(base, 4096)
	assert.Equal(t, uint64(4096), m.Size())

	got, err := m.Read(base, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, got)

	require.NoError(t, m.Write(base+16, []byte{1, 2, 3}))
	got, err = m.Read(base+16, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	require.NoError(t, m.Erase(base+16, 2))
	got, _ = m.Read(base+16, 3)
	assert.Equal(t, []byte{0xFF, 0xFF, 3}, got)

	assert.Equal(t, uint64(5), m.Calls())
}

func TestMemory_Bounds(t *testing.T) {
	m := NewMemory(base, 4096)
	_, err := m.Read(base-1, 1)
	assert.ErrorIs(t, err, types.ErrOutOfRange)
	_, err = m.Read(base+4090, 16)
	assert.ErrorIs(t, err, types.ErrOutOfRange)
	assert.ErrorIs(t, m.Write(base+4096, []byte{0}), types.ErrOutOfRange)
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0o600))

	d, err := OpenFile(path, base)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, uint64(1024), d.Size())

	require.NoError(t, d.Write(base+100, []byte("bios")))
	got, err := d.Read(base+100, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("bios"), got)

	require.NoError(t, d.Erase(base+100, 2))
	require.NoError(t, d.Sync())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 'o', 's'}, raw[100:104])

	_, err = d.Read(base+1020, 8)
	assert.ErrorIs(t, err, types.ErrOutOfRange)
}

func TestOpenFile_Errors(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing.bin"), base)
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = OpenFile(empty, base)
	assert.Error(t, err)
}
