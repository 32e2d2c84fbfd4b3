package types

// Layout holds the physical address map the sentinel reasons about.
type Layout struct {
	FlashBase      uint64 `yaml:"flash_base" json:"flash_base"`
	FlashSize      uint64 `yaml:"flash_size" json:"flash_size"`
	TPMBase        uint64 `yaml:"tpm_base" json:"tpm_base"`
	TPMSize        uint64 `yaml:"tpm_size" json:"tpm_size"`
	SecureBootBase uint64 `yaml:"secure_boot_base" json:"secure_boot_base"`
	SecureBootSize uint64 `yaml:"secure_boot_size" json:"secure_boot_size"`
	MicrocodeBase  uint64 `yaml:"microcode_base" json:"microcode_base"`
	MicrocodeSize  uint64 `yaml:"microcode_size" json:"microcode_size"`
	BootBlockBase  uint64 `yaml:"boot_block_base" json:"boot_block_base"`
}

func DefaultLayout() Layout {
	return Layout{
		FlashBase:      0xFF000000,
		FlashSize:      0x01000000,
		TPMBase:        0xFED40000,
		TPMSize:        0x5000,
		SecureBootBase: 0xFF050000,
		SecureBootSize: 0x10000,
		MicrocodeBase:  0xFF080000,
		MicrocodeSize:  0x100000,
		BootBlockBase:  0xFFFF0000,
	}
}

func inRange(addr, base, size uint64) bool {
	return addr >= base && addr-base < size
}

func (l Layout) InFlash(addr uint64) bool      { return inRange(addr, l.FlashBase, l.FlashSize) }
func (l Layout) InTPM(addr uint64) bool        { return inRange(addr, l.TPMBase, l.TPMSize) }
func (l Layout) InSecureBoot(addr uint64) bool { return inRange(addr, l.SecureBootBase, l.SecureBootSize) }
func (l Layout) InMicrocode(addr uint64) bool  { return inRange(addr, l.MicrocodeBase, l.MicrocodeSize) }
func (l Layout) InBootBlock(addr uint64) bool  { return addr >= l.BootBlockBase }

// FlashEnd is the exclusive end of the flash device range.
func (l Layout) FlashEnd() uint64 {
	return l.FlashBase + l.FlashSize
}

// ContainsExtent reports whether [addr, addr+size) lies entirely within flash.
func (l Layout) ContainsExtent(addr uint64, size uint64) bool {
	if !l.InFlash(addr) {
		return false
	}
	end := addr + size
	if end < addr {
		return false
	}
	return end <= l.FlashEnd()
}
