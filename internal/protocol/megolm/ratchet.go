package megolm

import (
	"crypto/hmac"
	"crypto/sha256"

	"olmkit/internal/domain"
)

const (
	partSize  = 32
	numParts  = 4
	seedParts = numParts
)

var hashKeySeeds = [seedParts][]byte{{0x00}, {0x01}, {0x02}, {0x03}}

// rehashPart replaces part to with HMAC-SHA256(key=part from, seed of to).
func rehashPart(data *domain.RatchetData, from, to int) {
	mac := hmac.New(sha256.New, data[from*partSize:(from+1)*partSize])
	mac.Write(hashKeySeeds[to])
	copy(data[to*partSize:(to+1)*partSize], mac.Sum(nil))
}

// Advance moves the ratchet forward by one message index.
func Advance(r *domain.MegolmRatchet) {
	mask := uint32(0x00FFFFFF)
	h := 0
	r.Counter++

	// Find the highest part that must be rekeyed.
	for h < numParts {
		if r.Counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}
	for i := numParts - 1; i >= h; i-- {
		rehashPart(&r.Data, h, i)
	}
}

// AdvanceTo moves the ratchet forward to index. Each part is stepped at most
// 255 times so the cost is bounded regardless of the distance.
func AdvanceTo(r *domain.MegolmRatchet, index uint32) {
	for j := 0; j < numParts; j++ {
		shift := uint((numParts - j - 1) * 8)
		mask := ^uint32(0) << shift

		steps := ((index >> shift) - (r.Counter >> shift)) & 0xff
		if steps == 0 {
			// Only R0 can wrap: the target is below the counter.
			if index < r.Counter {
				steps = 0x100
			} else {
				continue
			}
		}
		for ; steps > 1; steps-- {
			rehashPart(&r.Data, j, j)
		}
		for k := numParts - 1; k >= j; k-- {
			rehashPart(&r.Data, j, k)
		}
		r.Counter = index & mask
	}
}
