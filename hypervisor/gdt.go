package hypervisor

// GDTEntry is one 64-bit segment descriptor in the packed format the
// processor loads from the GDT.
type GDTEntry struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMid    uint8
	AccessByte uint8
	LimitHigh  uint8 // limit bits 16-19 low nibble, G/DB/L/AVL flags high nibble
	BaseHigh   uint8
}

// NewGDTEntry packs a base/limit/access/flags quadruple into descriptor
// form. flags carries the G, D/B, L and AVL bits in its high nibble.
func NewGDTEntry(base, limit uint32, access, flags uint8) GDTEntry {
	return GDTEntry{
		LimitLow:   uint16(limit),
		BaseLow:    uint16(base),
		BaseMid:    uint8(base >> 16),
		AccessByte: access,
		LimitHigh:  uint8(limit>>16)&0x0F | flags&0xF0,
		BaseHigh:   uint8(base >> 24),
	}
}

// Encode writes the descriptor's 8-byte wire form into dst.
func (e GDTEntry) Encode(dst []byte) {
	dst[0] = byte(e.LimitLow)
	dst[1] = byte(e.LimitLow >> 8)
	dst[2] = byte(e.BaseLow)
	dst[3] = byte(e.BaseLow >> 8)
	dst[4] = e.BaseMid
	dst[5] = e.AccessByte
	dst[6] = e.LimitHigh
	dst[7] = e.BaseHigh
}
