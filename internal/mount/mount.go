// Package mount hands installed packages to the content loader.
package mount

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/surge-downloader/hotupdate/internal/engine/types"
	"github.com/surge-downloader/hotupdate/internal/engine/verify"
	"github.com/surge-downloader/hotupdate/internal/utils"
)

// ProgressFunc receives the package just handled and the fraction of the mount
// completed so far, in (0,1].
type ProgressFunc func(name string, fraction float64)

// Mounter makes a set of installed packages available to the application
type Mounter interface {
	Mount(ctx context.Context, pkgs []types.PackageDescriptor, progress ProgressFunc) error
}

// Loader loads one verified package file
type Loader interface {
	Load(ctx context.Context, path string, desc types.PackageDescriptor) error
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context, path string, desc types.PackageDescriptor) error

func (f LoaderFunc) Load(ctx context.Context, path string, desc types.PackageDescriptor) error {
	return f(ctx, path, desc)
}

// VerifyingMounter re-validates every package before passing it to a Loader.
type VerifyingMounter struct {
	verifier  *verify.Verifier
	loader    Loader
	extension string
}

// NewVerifyingMounter mounts packages found under root. Only names ending in
// extension are mounted; an empty extension mounts everything.
func NewVerifyingMounter(root, extension string, loader Loader) *VerifyingMounter {
	return &VerifyingMounter{
		verifier:  verify.New(root),
		loader:    loader,
		extension: extension,
	}
}

func (m *VerifyingMounter) mountable(name string) bool {
	if m.extension == "" {
		return true
	}
	return strings.EqualFold(filepath.Ext(name), m.extension)
}

// Mount verifies and loads each package. Every failure is collected and the
// aggregate is returned as an ErrMount.
func (m *VerifyingMounter) Mount(ctx context.Context, pkgs []types.PackageDescriptor, progress ProgressFunc) error {
	var selected []types.PackageDescriptor
	for _, p := range pkgs {
		if m.mountable(p.Name) {
			selected = append(selected, p)
		} else {
			utils.Debug("mount: skipping %s, not a %s package", p.Name, m.extension)
		}
	}

	var result *multierror.Error
	for i, p := range selected {
		if err := ctx.Err(); err != nil {
			return types.NewError(types.ErrMount, "mount", "", err)
		}

		if err := m.verifier.Check(p); err != nil {
			result = multierror.Append(result, err)
		} else if m.loader != nil {
			if err := m.loader.Load(ctx, m.verifier.Path(p), p); err != nil {
				result = multierror.Append(result, fmt.Errorf("load %s: %w", p.Name, err))
			}
		}

		if progress != nil {
			progress(p.Name, float64(i+1)/float64(len(selected)))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return types.NewError(types.ErrMount, "mount", "", err)
	}
	utils.Debug("mount: %d packages mounted", len(selected))
	return nil
}

// Registry is a Loader that remembers what was mounted
type Registry struct {
	mu      sync.Mutex
	mounted map[string]string
}

// NewRegistry returns an empty Registry
func NewRegistry() *Registry {
	return &Registry{mounted: make(map[string]string)}
}

func (r *Registry) Load(_ context.Context, path string, desc types.PackageDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mounted[desc.Name] = path
	return nil
}

// Mounted returns the mounted package names in sorted order
func (r *Registry) Mounted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.mounted))
	for name := range r.mounted {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PathOf returns where a mounted package was loaded from
func (r *Registry) PathOf(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.mounted[name]
	return p, ok
}
