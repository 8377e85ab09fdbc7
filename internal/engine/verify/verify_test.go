package verify

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/hotupdate/internal/engine/types"
	"github.com/surge-downloader/hotupdate/internal/testutil"
)

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestVerifier_Validate(t *testing.T) {
	root := t.TempDir()
	data := testutil.RandomBytes(4096)
	_, err := testutil.WriteFile(root, "a.pak", data)
	require.NoError(t, err)
	_, err = testutil.WriteFile(root, "sub/b.pak", data)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir.pak"), 0o755))

	v := New(root)

	tests := []struct {
		name  string
		desc  types.PackageDescriptor
		valid bool
	}{
		{"md5 match", types.PackageDescriptor{Name: "a.pak", Size: 4096, Hash: testutil.MD5Hex(data)}, true},
		{"md5 upper case", types.PackageDescriptor{Name: "a.pak", Size: 4096, Hash: strings.ToUpper(testutil.MD5Hex(data))}, true},
		{"sha1 match", types.PackageDescriptor{Name: "a.pak", Size: 4096, Hash: sha1Hex(data)}, true},
		{"sha256 match", types.PackageDescriptor{Name: "a.pak", Size: 4096, Hash: testutil.SHA256Hex(data)}, true},
		{"nested name", types.PackageDescriptor{Name: "sub/b.pak", Size: 4096, Hash: testutil.MD5Hex(data)}, true},
		{"absent file", types.PackageDescriptor{Name: "missing.pak", Size: 4096, Hash: testutil.MD5Hex(data)}, false},
		{"size mismatch", types.PackageDescriptor{Name: "a.pak", Size: 4095, Hash: testutil.MD5Hex(data)}, false},
		{"hash mismatch", types.PackageDescriptor{Name: "a.pak", Size: 4096, Hash: testutil.MD5Hex([]byte("other"))}, false},
		{"unknown hash length", types.PackageDescriptor{Name: "a.pak", Size: 4096, Hash: "abcd"}, false},
		{"non-hex hash", types.PackageDescriptor{Name: "a.pak", Size: 4096, Hash: strings.Repeat("z", 32)}, false},
		{"empty hash", types.PackageDescriptor{Name: "a.pak", Size: 4096}, false},
		{"directory", types.PackageDescriptor{Name: "dir.pak", Size: 0, Hash: testutil.MD5Hex(nil)}, false},
		{"escaping name", types.PackageDescriptor{Name: "../a.pak", Size: 4096, Hash: testutil.MD5Hex(data)}, false},
		{"empty name", types.PackageDescriptor{Size: 4096, Hash: testutil.MD5Hex(data)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, v.Validate(tt.desc))
			err := v.Check(tt.desc)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, types.ErrIntegrity)
			}
		})
	}
}

func TestVerifier_UnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read any file")
	}
	root := t.TempDir()
	data := []byte("payload")
	path, err := testutil.WriteFile(root, "a.pak", data)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(path, 0o000))
	t.Cleanup(func() { _ = os.Chmod(path, 0o644) })

	assert.False(t, New(root).Validate(types.PackageDescriptor{Name: "a.pak", Size: int64(len(data)), Hash: testutil.MD5Hex(data)}))
}

func TestVerifier_Path(t *testing.T) {
	v := New("/paks")
	assert.Equal(t, filepath.Join("/paks", "sub", "a.pak"), v.Path(types.PackageDescriptor{Name: "sub/a.pak"}))
}
