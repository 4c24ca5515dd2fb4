package upload

import (
	"fmt"
	"runtime"

	"sitesync/internal/core"
)

// DefaultThreads returns min(32, NumCPU+4).
func DefaultThreads() int {
	return min(32, runtime.NumCPU()+4)
}

// Tier is a group of files uploaded with the same concurrency.
type Tier struct {
	// Index is 1-based; the overflow bucket has Index 0.
	Index int
	// InFlight is the number of files transferred at once.
	InFlight int
	// Threads is the number of transport threads given to each file.
	Threads int
	Files   []core.FileMeta
}

// Label names the tier in progress lines.
func (t Tier) Label() string {
	if t.Index == 0 {
		return fmt.Sprintf("tier overflow (%d files, %dx%d)", len(t.Files), t.InFlight, t.Threads)
	}
	return fmt.Sprintf("tier %d (%d files, %dx%d)", t.Index, len(t.Files), t.InFlight, t.Threads)
}

// Bytes returns the total size of the tier.
func (t Tier) Bytes() int64 {
	var n int64
	for _, f := range t.Files {
		n += f.Size
	}
	return n
}

// Tiers splits files by size. With n threads there are n/2 sized tiers; tier
// t holds files with (t-1)*block < size <= t*block and runs n/t files at once
// with t threads each. Larger files form an overflow bucket of 2 files at
// once with n threads each. Empty tiers are omitted and the order of files
// within a tier is kept.
func Tiers(files []core.FileMeta, n int, block int64) []Tier {
	if n <= 0 {
		n = DefaultThreads()
	}
	count := max(1, n/2)

	sized := make([][]core.FileMeta, count+1)
	var overflow []core.FileMeta
	for _, f := range files {
		t := 1
		if f.Size > 0 {
			t = int((f.Size + block - 1) / block)
		}
		if t > count {
			overflow = append(overflow, f)
			continue
		}
		sized[t] = append(sized[t], f)
	}

	var tiers []Tier
	for t := 1; t <= count; t++ {
		if len(sized[t]) == 0 {
			continue
		}
		tiers = append(tiers, Tier{Index: t, InFlight: max(1, n/t), Threads: t, Files: sized[t]})
	}
	if len(overflow) > 0 {
		tiers = append(tiers, Tier{Index: 0, InFlight: 2, Threads: n, Files: overflow})
	}
	return tiers
}
