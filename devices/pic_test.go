package devices

import "testing"

// picOut writes one byte to a PIC port the way guest port I/O would.
func picOut(t *testing.T, p *PIC, port uint16, val byte) {
	t.Helper()
	buf := []byte{val}
	if err := p.HandleIO(port, IODirectionOut, 1, buf); err != nil {
		t.Fatalf("OUT %#x to port %#x: %v", val, port, err)
	}
}

// initPIC runs the standard ICW1-4 sequence the BIOS performs: master
// vectors at 0x20, slave at 0x28, cascade on IRQ2, all lines unmasked.
func initPIC(t *testing.T, p *PIC) {
	t.Helper()
	picOut(t, p, PICMasterCmdPort, picICW1Init|picICW1IC4)
	picOut(t, p, PICMasterDataPort, 0x20)    // ICW2: vector base
	picOut(t, p, PICMasterDataPort, 1<<2)    // ICW3: slave on IRQ2
	picOut(t, p, PICMasterDataPort, 0x01)    // ICW4: 8086 mode
	picOut(t, p, PICSlaveCmdPort, picICW1Init|picICW1IC4)
	picOut(t, p, PICSlaveDataPort, 0x28)
	picOut(t, p, PICSlaveDataPort, 2) // ICW3: cascade identity
	picOut(t, p, PICSlaveDataPort, 0x01)
	picOut(t, p, PICMasterDataPort, 0x00) // OCW1: unmask all
	picOut(t, p, PICSlaveDataPort, 0x00)
}

func TestPICMasterInterruptDelivery(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	if p.HasPendingInterrupts() {
		t.Fatalf("expected no pending interrupts after init")
	}

	p.RaiseIRQ(4)
	if !p.HasPendingInterrupts() {
		t.Fatalf("IRQ4 raised but nothing pending")
	}
	if got := p.GetInterruptVector(); got != 0x24 {
		t.Fatalf("vector = %#x, want 0x24", got)
	}
	// In service, not yet EOI'd: the same line must not fire again.
	if p.HasPendingInterrupts() {
		t.Fatalf("interrupt still pending while in service")
	}

	picOut(t, p, PICMasterCmdPort, picOCW2EOI)
	p.RaiseIRQ(4)
	if got := p.GetInterruptVector(); got != 0x24 {
		t.Fatalf("vector after EOI = %#x, want 0x24", got)
	}
}

func TestPICSlaveCascade(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	p.RaiseIRQ(8) // slave line 0
	if !p.HasPendingInterrupts() {
		t.Fatalf("slave IRQ raised but nothing pending on the cascade")
	}
	if got := p.GetInterruptVector(); got != 0x28 {
		t.Fatalf("vector = %#x, want 0x28 (slave base)", got)
	}
}

func TestPICMaskedLineStaysPending(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)
	picOut(t, p, PICMasterDataPort, 1<<4) // mask IRQ4

	p.RaiseIRQ(4)
	if p.HasPendingInterrupts() {
		t.Fatalf("masked line must not be deliverable")
	}
	picOut(t, p, PICMasterDataPort, 0x00) // unmask
	if got := p.GetInterruptVector(); got != 0x24 {
		t.Fatalf("vector after unmask = %#x, want 0x24 (request latched)", got)
	}
}

func TestPICPriorityOrder(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	p.RaiseIRQ(5)
	p.RaiseIRQ(1)
	if got := p.GetInterruptVector(); got != 0x21 {
		t.Fatalf("first vector = %#x, want 0x21 (IRQ1 outranks IRQ5)", got)
	}
	picOut(t, p, PICMasterCmdPort, picOCW2EOI)
	if got := p.GetInterruptVector(); got != 0x25 {
		t.Fatalf("second vector = %#x, want 0x25", got)
	}
}
