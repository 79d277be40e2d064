package block

import (
	"time"

	"github.com/seantiz/salvo/internal/client"
	"github.com/seantiz/salvo/internal/lifecycle"
)

type ioKind int

const (
	ioStart ioKind = iota
	// ioStop stops accepting new work and signals the sender.
	ioStop
	// ioClose reaps everything and signals the sender.
	ioClose
	ioIntended
	ioAvailable
	ioDynamic
	ioEnableDynamic
	ioRegister
	ioReapAll
)

// ioMessage travels from the control goroutine to the I/O goroutine.
type ioMessage struct {
	kind     ioKind
	value    int32
	enabled  bool
	purpose  lifecycle.Purpose
	entities []int
}

type ctlKind int

const (
	ctlClosed ctlKind = iota
	ctlResolved
	ctlUndispatched
)

// ctlMessage travels from the I/O goroutine back to the control goroutine.
// Only serials and entity indices cross, never connection handles.
type ctlMessage struct {
	kind     ctlKind
	serial   uint32
	entity   int
	result   client.Result
	latency  time.Duration
	entities []int
}

// ioNotifier forwards lifecycle events to the control mailbox.
type ioNotifier struct {
	b *Block
}

func (n ioNotifier) ConnectionClosed(serial uint32) {
	msg := n.b.toCtl.Allocate()
	msg.kind = ctlClosed
	msg.serial = serial
	n.b.toCtl.Send(msg)
}

func (n ioNotifier) RegistrationResolved(entity int, res client.Result, latency time.Duration) {
	msg := n.b.toCtl.Allocate()
	msg.kind = ctlResolved
	msg.entity = entity
	msg.result = res
	msg.latency = latency
	n.b.toCtl.Send(msg)
}

// loadSink receives the load strategy's output on the control goroutine and
// forwards it to the I/O goroutine.
type loadSink struct {
	b *Block
}

func (s loadSink) SetIntendedLoad(target uint32) {
	s.b.sendIO(ioMessage{kind: ioIntended, value: int32(min(target, 1<<31-1))})
}

// SetAvailableLoad refuses the grant while too many are still queued for the
// I/O goroutine.
func (s loadSink) SetAvailableLoad(available, _ uint32) bool {
	if s.b.availableOut.Load() >= maxAvailableOutstanding {
		return false
	}
	s.b.availableOut.Add(1)
	s.b.sendIO(ioMessage{kind: ioAvailable, value: int32(min(available, 1<<31-1))})
	return true
}

// regSink turns registration grants into workflow dispatches. It runs with
// the block lock held.
type regSink struct {
	b *Block
}

func (s regSink) SetAvailableLoad(available, _ uint32) bool {
	s.b.workflow.Grant(int(available))
	return true
}
