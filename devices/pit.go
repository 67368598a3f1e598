package devices

import (
	"fmt"
	"sync"
)

// 8254 PIT port assignments. Port 0x61 is system control port B, which the
// BIOS pokes for the speaker gate and which guests read during early boot.
const (
	PITCounter0Port uint16 = 0x40
	PITCounter2Port uint16 = 0x42
	PITCommandPort  uint16 = 0x43
	PITControlPortB uint16 = 0x61

	PITIRQ uint8 = 0
)

// Counter access modes from the command word.
const (
	pitRWLatch byte = 0
	pitRWLSB   byte = 1
	pitRWMSB   byte = 2
	pitRWLoHi  byte = 3
)

type pitCounter struct {
	value   uint16
	reload  uint16
	latch   uint16
	latched bool
	rwMode  byte
	opMode  byte
	bcd     bool
	loHiMSB bool // next LoHi byte is the MSB
}

// PIT models the three-channel 8254 interval timer at the register level:
// the command word, LSB/MSB/LoHi access sequencing, and count latching.
// Counter 0's periodic output is driven externally by Tick rather than by an
// emulated oscillator.
type PIT struct {
	mu       sync.Mutex
	irq      InterruptRaiser
	counters [3]pitCounter
}

// NewPIT returns a PIT wired to the given interrupt controller.
func NewPIT(irq InterruptRaiser) *PIT {
	p := &PIT{irq: irq}
	for i := range p.counters {
		p.counters[i].rwMode = pitRWLoHi
		p.counters[i].opMode = 3
	}
	return p
}

// HandleIO serves the counter data ports, the command port, and control
// port B.
func (p *PIT) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	if size != 1 {
		return fmt.Errorf("pit: unsupported %d-byte access on port %#x", size, port)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case port >= PITCounter0Port && port <= PITCounter2Port:
		c := &p.counters[port-PITCounter0Port]
		if direction == IODirectionOut {
			c.writeByte(data[0])
		} else {
			data[0] = c.readByte()
		}
	case port == PITCommandPort:
		if direction == IODirectionIn {
			return fmt.Errorf("pit: command port is write-only")
		}
		p.writeCommand(data[0])
	case port == PITControlPortB:
		if direction == IODirectionIn {
			data[0] = 0x20 // speaker gate high, refresh toggle clear
		}
	default:
		return fmt.Errorf("pit: unhandled port %#x", port)
	}
	return nil
}

func (c *pitCounter) writeByte(val byte) {
	switch c.rwMode {
	case pitRWLSB:
		c.reload = uint16(val)
		c.value = c.reload
	case pitRWMSB:
		c.reload = uint16(val) << 8
		c.value = c.reload
	case pitRWLoHi:
		if !c.loHiMSB {
			c.reload = c.reload&0xFF00 | uint16(val)
			c.loHiMSB = true
		} else {
			c.reload = c.reload&0x00FF | uint16(val)<<8
			c.value = c.reload
			c.loHiMSB = false
		}
	}
}

func (c *pitCounter) readByte() byte {
	v := c.value
	if c.latched {
		v = c.latch
	}
	switch c.rwMode {
	case pitRWLSB:
		c.latched = false
		return byte(v)
	case pitRWMSB:
		c.latched = false
		return byte(v >> 8)
	default: // LoHi
		if !c.loHiMSB {
			c.loHiMSB = true
			return byte(v)
		}
		c.loHiMSB = false
		c.latched = false
		return byte(v >> 8)
	}
}

func (p *PIT) writeCommand(val byte) {
	sel := val >> 6
	if sel == 3 {
		return // read-back command unimplemented
	}
	c := &p.counters[sel]
	rw := (val >> 4) & 3
	if rw == pitRWLatch {
		c.latch = c.value
		c.latched = true
		c.loHiMSB = false
		return
	}
	c.rwMode = rw
	c.opMode = (val >> 1) & 7
	c.bcd = val&1 != 0
	c.loHiMSB = false
	c.latched = false
}

// Tick advances counter 0 by one period and raises IRQ0, standing in for the
// 1.193 MHz oscillator the periodic host timer approximates.
func (p *PIT) Tick() {
	p.mu.Lock()
	p.counters[0].value = p.counters[0].reload
	irq := p.irq
	p.mu.Unlock()
	if irq != nil {
		irq.RaiseIRQ(PITIRQ)
	}
}
