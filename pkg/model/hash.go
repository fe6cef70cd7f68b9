package model

import "github.com/cespare/xxhash/v2"

// hashSeed pins the digest so circuit hashes are identical across runs
// and platforms. Changing it invalidates every stored circuit hash.
const hashSeed = "shaperd/1:"

// HashString derives the stable 64-bit identity hash used for circuits,
// devices, and site names.
func HashString(s string) int64 {
	d := xxhash.New()
	_, _ = d.WriteString(hashSeed)
	_, _ = d.WriteString(s)
	return int64(d.Sum64())
}
