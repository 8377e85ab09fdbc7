// Package verify checks installed package files against manifest descriptors.
package verify

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/surge-downloader/hotupdate/internal/engine/types"
	"github.com/surge-downloader/hotupdate/internal/utils"
)

// Verifier validates files under a package root. It fails closed: anything that
// cannot be proven to match the descriptor is invalid.
type Verifier struct {
	root string
}

// New returns a Verifier for files under root
func New(root string) *Verifier {
	return &Verifier{root: root}
}

// Path returns the on-disk location of desc
func (v *Verifier) Path(desc types.PackageDescriptor) string {
	return filepath.Join(v.root, filepath.FromSlash(desc.Name))
}

// Validate reports whether the file for desc exists with the expected size and digest
func (v *Verifier) Validate(desc types.PackageDescriptor) bool {
	err := v.Check(desc)
	if err != nil {
		utils.Debug("%v", err)
	}
	return err == nil
}

// Check is Validate with the reason. Every failure is an ErrIntegrity.
func (v *Verifier) Check(desc types.PackageDescriptor) error {
	fail := func(err error) error {
		return types.NewError(types.ErrIntegrity, "verify", desc.Name, err)
	}

	if desc.Name == "" || !filepath.IsLocal(filepath.FromSlash(desc.Name)) {
		return fail(fmt.Errorf("invalid package name %q", desc.Name))
	}

	path := v.Path(desc)
	info, err := os.Stat(path)
	if err != nil {
		return fail(err)
	}
	if !info.Mode().IsRegular() {
		return fail(fmt.Errorf("%s is not a regular file", path))
	}
	if info.Size() != desc.Size {
		return fail(fmt.Errorf("size mismatch: expected %d, got %d", desc.Size, info.Size()))
	}

	want := strings.ToLower(strings.TrimSpace(desc.Hash))
	h, err := hasherFor(want)
	if err != nil {
		return fail(err)
	}

	got, err := digestFile(path, h)
	if err != nil {
		return fail(err)
	}
	if got != want {
		return fail(fmt.Errorf("hash mismatch: expected %s, got %s", want, got))
	}
	return nil
}

// hasherFor picks the digest algorithm from the length of the hex string
func hasherFor(hexDigest string) (hash.Hash, error) {
	if _, err := hex.DecodeString(hexDigest); err != nil {
		return nil, fmt.Errorf("hash %q is not hex", hexDigest)
	}
	switch len(hexDigest) {
	case md5.Size * 2:
		return md5.New(), nil
	case sha1.Size * 2:
		return sha1.New(), nil
	case sha256.Size * 2:
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("unsupported hash length %d", len(hexDigest))
}

func digestFile(path string, h hash.Hash) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, types.WorkerBuffer)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
