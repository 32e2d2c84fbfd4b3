package decoy

import "encoding/binary"

const (
	volumeHeaderOffset = 0x1000
	erasedFillOffset   = 0x10000

	secureBootBaitOffset = 0x50000
	microcodeBaitOffset  = 0x80000
	tpmBaitOffset        = 0xA0000

	resetVector = 0xFFFFFFF0
)

var baits = []struct {
	off  int
	text string
}{
	{secureBootBaitOffset, "FAKE_SECURE_BOOT_KEYS"},
	{microcodeBaitOffset, "FAKE_MICROCODE_DATA"},
	{tpmBaitOffset, "FAKE_TPM_NVRAM"},
}

// seed lays out a plausible firmware image. The fill runs first so the signatures and
// markers written afterwards survive. Anything that does not fit a small buffer is skipped.
func seed(buf []byte) {
	n := len(buf)

	if n > erasedFillOffset {
		fill(buf[erasedFillOffset:], 0xFF)
	}

	if volumeHeaderOffset+4 <= n {
		copy(buf[volumeHeaderOffset:], "_FVH")
	}
	for _, b := range baits {
		if b.off+len(b.text) <= n {
			copy(buf[b.off:], b.text)
		}
	}

	if n >= 16 {
		binary.LittleEndian.PutUint32(buf[n-16:], resetVector)
	}
	if n >= 2 {
		buf[n-2] = 0x55
		buf[n-1] = 0xAA
	}
}
