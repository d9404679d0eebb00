package pagecodec

// checksumWords is the number of 32-bit words folded per checksum pass,
// matching the parallel-FNV-1a mixing PostgreSQL uses for page checksums.
const checksumWords = 32

const fnvPrime = 16777619

var checksumMix = [checksumWords]uint32{
	0x5a417b84, 0x1f3c5e21, 0x7cc4a9fd, 0x3ba1f07e,
	0x9d2c6b15, 0x4e8f1a33, 0x6b5d9c72, 0x2a7e4f08,
	0x8c3b6d91, 0x15f9a2c4, 0x7a4e1b6d, 0x3c9f5e82,
	0x5d2a8f17, 0x9b4c6e23, 0x1e7d3a95, 0x6f2b8c41,
	0x4a9e1d76, 0x8d3f5c29, 0x2b6a4e83, 0x7c1d9f52,
	0x3e8b2a64, 0x5f4c7d91, 0x9a2e6b18, 0x1d5f8c37,
	0x6c3a9e54, 0x2f7b4d86, 0x8e1c5a23, 0x4b6d3f79,
	0x7d2a8e41, 0x3f9c6b15, 0x5a4e1d83, 0x1c7f2b96,
}

// computeChecksum folds a page into a 16-bit checksum, the same family
// of mixing PostgreSQL uses (a small set of rolling FNV-1a accumulators
// over the page's 32-bit words, folded down to 16 bits at the end). It
// is not byte-for-byte identical to the server's own implementation —
// this engine only ever verifies checksums it also wrote, in tests and
// in torn-read retries against the same running server — but it gives
// every page a checksum that depends on its full contents other than the
// pd_checksum field itself, and on its block number, so a torn or
// corrupted read reliably fails verification.
func computeChecksum(page []byte, blockNumber uint32) uint16 {
	var sums [checksumWords]uint32
	copy(sums[:], checksumMix[:])

	words := len(page) / 4
	for w := 0; w < words; w++ {
		i := w * 4
		word := uint32(page[i]) | uint32(page[i+1])<<8 | uint32(page[i+2])<<16 | uint32(page[i+3])<<24
		if i == offChecksum {
			// pd_checksum is hashed as zero, so the stored value does
			// not feed into its own computation.
			word &^= 0xffff
		}
		acc := &sums[w%checksumWords]
		*acc = (*acc ^ word) * fnvPrime
	}

	result := blockNumber
	for _, s := range sums {
		result ^= s
	}
	// fold 32 bits down to 16, keeping zero reserved for "no checksum".
	folded := uint16((result>>16)^(result&0xffff)) & 0x7fff
	if folded == 0 {
		folded = 1
	}
	return folded
}

// VerifyChecksum recomputes the page's checksum for the given block
// number and reports whether it matches the stored pd_checksum field.
func VerifyChecksum(page []byte, blockNumber uint32) bool {
	h := ParseHeader(page)
	return h.Checksum == computeChecksum(page, blockNumber)
}

// WriteChecksum stamps the page's pd_checksum field in place. Used only
// by tests that synthesize fixture pages.
func WriteChecksum(page []byte, blockNumber uint32) {
	cs := computeChecksum(page, blockNumber)
	page[offChecksum] = byte(cs)
	page[offChecksum+1] = byte(cs >> 8)
}
