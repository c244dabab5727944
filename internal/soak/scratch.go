package soak

import (
	"math/rand"
	"time"
)

const entropySize = 16384

// Scratch is an expensive-to-build worker state reused through an object pool.
// It carries a block of entropy and its own random source.
type Scratch struct {
	entropy []byte
	rng     *rand.Rand
	uses    int
}

// Init fills the entropy block. It runs once, when the pool constructs a new Scratch.
func (s *Scratch) Init() {
	s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	s.entropy = make([]byte, entropySize)
	s.rng.Read(s.entropy)
}

// Process copies src into dst, flipping the case of ASCII letters where the
// entropy says so, and returns the number of bytes written.
func (s *Scratch) Process(dst, src []byte) int {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		c := src[i]
		if s.entropy[s.rng.Intn(len(s.entropy))]%2 == 0 {
			if i%2 == 0 {
				c = upper(c)
			} else {
				c = lower(c)
			}
		}
		dst[i] = c
	}
	s.uses++
	return n
}

// Uses returns how many times Process ran since the last Reset
func (s *Scratch) Uses() int {
	return s.uses
}

// Reset clears per-borrow state before the Scratch goes back to its pool
func (s *Scratch) Reset() {
	s.uses = 0
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c - 'A' + 'a'
	}
	return c
}
