package pagecodec

import "testing"

func TestWriteAndVerifyChecksum(t *testing.T) {
	page := make([]byte, PageSize)
	for i := range page {
		page[i] = byte(i * 7)
	}
	page[offChecksum], page[offChecksum+1] = 0, 0

	WriteChecksum(page, 42)
	if !VerifyChecksum(page, 42) {
		t.Fatal("VerifyChecksum() = false after WriteChecksum")
	}
}

func TestVerifyChecksumDetectsCorruption(t *testing.T) {
	page := make([]byte, PageSize)
	for i := range page {
		page[i] = byte(i * 3)
	}
	WriteChecksum(page, 7)
	page[100] ^= 0xff

	if VerifyChecksum(page, 7) {
		t.Fatal("VerifyChecksum() = true on corrupted page")
	}
}

func TestVerifyChecksumWrongBlockNumber(t *testing.T) {
	page := make([]byte, PageSize)
	for i := range page {
		page[i] = byte(i)
	}
	WriteChecksum(page, 1)
	if VerifyChecksum(page, 2) {
		t.Fatal("VerifyChecksum() = true with mismatched block number")
	}
}

func TestComputeChecksumNeverZero(t *testing.T) {
	// The zero page, block 0, is the case most likely to fold to zero by
	// accident; the codec reserves zero to mean "no checksum stored".
	page := make([]byte, PageSize)
	cs := computeChecksum(page, 0)
	if cs == 0 {
		t.Fatal("computeChecksum() returned reserved value 0")
	}
}
