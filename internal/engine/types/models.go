package types

import (
	"path"
	"sort"
)

// PackageDescriptor is one manifest entry describing an expected package file
type PackageDescriptor struct {
	Name     string `json:"File"`
	Hash     string `json:"HASH"`
	Size     int64  `json:"Size"`
	Category string `json:"-"`
}

// Manifest maps server-defined categories to their package lists
type Manifest map[string][]PackageDescriptor

// Packages flattens the manifest into a deterministic list.
// Categories are visited in sorted order; a name seen twice keeps its first entry.
func (m Manifest) Packages() []PackageDescriptor {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[string]bool)
	var out []PackageDescriptor
	for _, k := range keys {
		for _, p := range m[k] {
			if seen[p.Name] {
				continue
			}
			seen[p.Name] = true
			p.Category = k
			out = append(out, p)
		}
	}
	return out
}

// TotalSize sums the declared sizes of the given packages
func TotalSize(pkgs []PackageDescriptor) int64 {
	var total int64
	for _, p := range pkgs {
		total += p.Size
	}
	return total
}

// TaskInfo is the observable state of one DownloadTask.
// Only the owning task mutates it; everyone else receives copies.
type TaskInfo struct {
	ID           string `json:"id"`
	FileName     string `json:"file_name"`
	URL          string `json:"url"`
	DeclaredSize int64  `json:"declared_size"` // From the manifest
	CurrentSize  int64  `json:"current_size"`  // Bytes committed to the temp file
	DownloadSize int64  `json:"download_size"` // Committed plus in-flight bytes
	TotalSize    int64  `json:"total_size"`    // From HEAD, -1 until known
}

// BaseName returns the last path element of the file name
func (t TaskInfo) BaseName() string {
	return path.Base(t.FileName)
}

// ProgressSnapshot aggregates progress of every task in a pass
type ProgressSnapshot struct {
	BytesDone  int64   `json:"bytes_done"`
	BytesTotal int64   `json:"bytes_total"`
	SpeedBps   float64 `json:"speed_bps"`
	Speed      string  `json:"speed"`
}

// Percent returns completion in the range 0-100
func (p ProgressSnapshot) Percent() float64 {
	if p.BytesTotal <= 0 {
		return 0
	}
	pct := float64(p.BytesDone) / float64(p.BytesTotal) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
