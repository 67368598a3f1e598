// Package control implements the VM control plane: VCPU pause/resume
// rendezvous and the Unix-domain IPC socket used for external control.
//
// Pause/resume is a counting rendezvous with no signal handlers involved: a
// channel per VCPU carries the pause request, polled by the VCPU at its
// next VM-exit, and a sync.WaitGroup gives the controller the "all paused"
// barrier. A VCPU cannot leave the parked state before Continue is called,
// and the controller cannot observe "all paused" before every VCPU has
// reported in.
package control

import (
	"sync"
)

// PauseController coordinates pause/resume across a fixed set of VCPUs.
type PauseController struct {
	mu       sync.Mutex
	requests []chan struct{} // one per VCPU, buffered; Pause sends one value to request a pause
	resume   chan struct{}   // closed by Continue to release paused VCPUs
	wg       sync.WaitGroup  // one Done() per VCPU that has parked
	paused   bool
}

// NewPauseController allocates a controller for n VCPUs.
func NewPauseController(n int) *PauseController {
	c := &PauseController{
		requests: make([]chan struct{}, n),
	}
	for i := range c.requests {
		c.requests[i] = make(chan struct{}, 1)
	}
	return c
}

// RequestChan returns the channel a VCPU's run loop should select on
// alongside its normal work; a value on this channel means the VCPU must
// call Parked, which blocks until Continue is called.
func (c *PauseController) RequestChan(vcpuID int) <-chan struct{} {
	return c.requests[vcpuID]
}

// Pause blocks until every VCPU has called Parked.
func (c *PauseController) Pause() {
	c.mu.Lock()
	c.resume = make(chan struct{})
	c.wg.Add(len(c.requests))
	c.paused = true
	for _, ch := range c.requests {
		ch <- struct{}{}
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// Continue releases every VCPU parked by the most recent Pause.
func (c *PauseController) Continue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	close(c.resume)
	c.paused = false
}

// Parked is called by a VCPU's run loop after observing a pause request: it
// reports in (unblocking the controller once every VCPU has done so) and
// then blocks until Continue is called.
func (c *PauseController) Parked(vcpuID int) {
	c.mu.Lock()
	resume := c.resume
	c.mu.Unlock()

	c.wg.Done()
	<-resume
}
