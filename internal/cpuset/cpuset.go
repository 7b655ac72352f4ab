// Package cpuset provides a set of logical CPU indices backed by a bit
// vector, plus parsing and formatting of the kernel cpulist format
// ("0-3,5,7-8") used by sysfs and by the quiesce API.
package cpuset

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

const bitsPerWord = 64

// Set is a set of logical CPU indices. The zero value is an empty set.
// Set is not safe for concurrent use; callers that share a Set across
// goroutines must serialize access themselves.
type Set struct {
	words []uint64
}

// New returns an empty set sized for CPUs [0, ncpu).
// The set still grows on demand if a larger index is added.
func New(ncpu int) Set {
	if ncpu <= 0 {
		return Set{}
	}
	return Set{words: make([]uint64, (ncpu+bitsPerWord-1)/bitsPerWord)}
}

// Of returns a set containing exactly the given CPUs.
func Of(cpus ...int) Set {
	var s Set
	for _, cpu := range cpus {
		s.Add(cpu)
	}
	return s
}

func (s *Set) grow(cpu int) {
	idx := cpu / bitsPerWord
	for len(s.words) <= idx {
		s.words = append(s.words, 0)
	}
}

// Add inserts cpu into the set. Negative indices panic; CPU indices are
// assigned by the scheduler and are never negative.
func (s *Set) Add(cpu int) {
	if cpu < 0 {
		panic(fmt.Sprintf("cpuset: negative cpu index %d", cpu))
	}
	s.grow(cpu)
	s.words[cpu/bitsPerWord] |= 1 << (cpu % bitsPerWord)
}

// Remove deletes cpu from the set. Removing an absent CPU is a no-op.
func (s *Set) Remove(cpu int) {
	if cpu < 0 || cpu/bitsPerWord >= len(s.words) {
		return
	}
	s.words[cpu/bitsPerWord] &^= 1 << (cpu % bitsPerWord)
}

// Contains reports whether cpu is in the set.
func (s Set) Contains(cpu int) bool {
	if cpu < 0 || cpu/bitsPerWord >= len(s.words) {
		return false
	}
	return s.words[cpu/bitsPerWord]&(1<<(cpu%bitsPerWord)) != 0
}

// Empty reports whether the set has no members.
func (s Set) Empty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of CPUs in the set.
func (s Set) Count() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	c := Set{words: make([]uint64, len(s.words))}
	copy(c.words, s.words)
	return c
}

// Equal reports whether both sets contain exactly the same CPUs.
func (s Set) Equal(o Set) bool {
	long, short := s.words, o.words
	if len(short) > len(long) {
		long, short = short, long
	}
	for i, w := range short {
		if w != long[i] {
			return false
		}
	}
	for _, w := range long[len(short):] {
		if w != 0 {
			return false
		}
	}
	return true
}

// Intersect returns a new set containing the CPUs present in both sets.
func (s Set) Intersect(o Set) Set {
	n := len(s.words)
	if len(o.words) < n {
		n = len(o.words)
	}
	r := Set{words: make([]uint64, n)}
	for i := 0; i < n; i++ {
		r.words[i] = s.words[i] & o.words[i]
	}
	return r
}

// Union returns a new set containing the CPUs present in either set.
func (s Set) Union(o Set) Set {
	long, short := s.words, o.words
	if len(short) > len(long) {
		long, short = short, long
	}
	r := Set{words: make([]uint64, len(long))}
	copy(r.words, long)
	for i, w := range short {
		r.words[i] |= w
	}
	return r
}

// Diff returns a new set containing the CPUs in s that are not in o.
func (s Set) Diff(o Set) Set {
	r := s.Clone()
	n := len(r.words)
	if len(o.words) < n {
		n = len(o.words)
	}
	for i := 0; i < n; i++ {
		r.words[i] &^= o.words[i]
	}
	return r
}

// List returns the members of the set in ascending order.
func (s Set) List() []int {
	var cpus []int
	for i, w := range s.words {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			cpus = append(cpus, i*bitsPerWord+bit)
			w &^= 1 << bit
		}
	}
	return cpus
}

// String formats the set in cpulist form, e.g. "0-2,5". The empty set
// formats as "".
func (s Set) String() string {
	var b strings.Builder
	cpus := s.List()
	for i := 0; i < len(cpus); {
		j := i
		for j+1 < len(cpus) && cpus[j+1] == cpus[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if j == i {
			fmt.Fprintf(&b, "%d", cpus[i])
		} else {
			fmt.Fprintf(&b, "%d-%d", cpus[i], cpus[j])
		}
		i = j + 1
	}
	return b.String()
}

// Parse parses a cpulist string, e.g. "0-3,5". Whitespace around commas
// is tolerated; an empty or all-whitespace string is the empty set.
func Parse(list string) (Set, error) {
	var s Set
	list = strings.TrimSpace(list)
	if list == "" {
		return s, nil
	}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Set{}, fmt.Errorf("cpuset: empty range in %q", list)
		}
		lo, hi, ok := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil || start < 0 {
			return Set{}, fmt.Errorf("cpuset: invalid cpu %q in %q", lo, list)
		}
		end := start
		if ok {
			end, err = strconv.Atoi(hi)
			if err != nil || end < start {
				return Set{}, fmt.Errorf("cpuset: invalid range %q in %q", part, list)
			}
		}
		for cpu := start; cpu <= end; cpu++ {
			s.Add(cpu)
		}
	}
	return s, nil
}
