// Package interlink implements the C11 cross-processor messaging facility
// (§4.10): every CPU owns a message queue and a per-type handler table; Send
// and Broadcast copy a message into the target queue(s) and follow up with
// an IPI on the shared interlink vector, and HandleInterrupt (registered as
// that vector's handler) drains the calling CPU's queue and dispatches each
// message to its registered handler.
//
// Grounded on original_source/axon's source_old/system/interlink.c
// (axk_interlink_send/broadcast/set_handler/handle_interrupt): the queue-
// plus-spinlock-per-CPU structure, the copy-on-send semantics and the
// refcounted broadcast teardown are ported from there. The envelope and its
// body are deliberately two separate allocations (the Message struct and its
// Body slice), mirroring that file's separate malloc calls for the message
// struct and its payload (§10.4 supplemented feature) - one difference from
// the C original is deliberate: axk_interlink_broadcast pushes the address
// of its local new_message pointer variable into each target queue instead
// of the pointer itself, which reads as a bug rather than an intentional
// design (the same category of divergence DESIGN.md already resolves for
// the SRAT parse loop and memory_map_destroy), so this port pushes the
// message pointer directly.
package interlink

import (
	"sync/atomic"

	"axon/kernel"
	"axon/kernel/irq"
	"axon/kernel/smp"
	"axon/kernel/sync"
)

// Handler processes one delivered message on the receiving CPU.
type Handler func(msg *Message)

// FlagDontFree, set on Message.Flags, suppresses the Body release that
// otherwise happens once the last CPU holding a shared Message has finished
// dispatching it (§3's InterlinkMessage.flags.DontFree). It exists for a
// handler that hangs onto msg.Body past the HandleInterrupt call that
// delivered it (e.g. queues it for later, slower processing) and needs the
// backing array to remain valid after dataCounter reaches zero.
const FlagDontFree = uint32(1 << 0)

// Message is one envelope sent through Send or Broadcast (§4.10). Body is
// always copied into a freshly allocated slice by Send/Broadcast rather than
// aliased, so the caller's buffer is free to reuse or discard immediately
// after the call returns.
type Message struct {
	Type      uint32
	Param     uint64
	Flags     uint32
	Body      []byte
	SourceCPU uint32

	// dataCounter tracks how many CPUs still hold a reference to this
	// envelope. Broadcast shares a single *Message across every target
	// queue (see the package doc), so dataCounter starts at the number of
	// targets and HandleInterrupt decrements it once per drained copy;
	// whichever CPU's decrement brings it to zero is the last one that
	// will ever touch the message and is the one responsible for
	// releasing Body (unless FlagDontFree is set).
	dataCounter atomic.Uint32
}

var (
	errInvalidTarget  = &kernel.Error{Module: "interlink", Message: "invalid target CPU"}
	errInvalidMessage = &kernel.Error{Module: "interlink", Message: "nil message"}
	errDidNotSend     = &kernel.Error{Module: "interlink", Message: "IPI delivery failed; the message was not queued"}
	errDoubleInit     = &kernel.Error{Module: "interlink", Message: "interlink already initialized"}
	errNotInitialized = &kernel.Error{Module: "interlink", Message: "interlink has not been initialized"}
)

// cloneBody returns a freshly allocated copy of body so a queued Message
// never aliases the caller's backing array: without this, a caller that
// reuses or overwrites its buffer right after Send/Broadcast returns would
// race with whichever CPU later dispatches the message.
func cloneBody(body []byte) []byte {
	if body == nil {
		return nil
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out
}

type queue struct {
	lock     sync.Spinlock
	messages []*Message
	handlers map[uint32]Handler
}

var (
	queues      []queue
	initialized bool
)

// currentCPU returns the calling CPU's OS-assigned id. It is a package
// variable so tests can substitute synthetic CPU identities without
// bringing up real per-CPU storage through kernel/smp.
var currentCPU = func() uint32 {
	return smp.Self().OSID
}

// Init allocates one queue and handler table per CPU and registers
// HandleInterrupt on the shared interlink vector (§4.10). ncpu should match
// smp.Count() once every AP is online.
func Init(ncpu uint32) *kernel.Error {
	if initialized {
		kernel.Panic(errDoubleInit)
	}
	if ncpu == 0 {
		return errInvalidTarget
	}

	queues = make([]queue, ncpu)
	for i := range queues {
		queues[i].handlers = make(map[uint32]Handler)
	}

	if err := irq.Default.SetReservedHandler(irq.VectorInterlink, HandleInterrupt); err != nil {
		return err
	}

	initialized = true
	return nil
}

// Send copies msg into target's queue and signals it with an IPI on the
// interlink vector (§4.10). If checked is true, Send waits for IPI delivery
// receipt and, on failure, attempts to remove the message it just queued
// before reporting the error - mirroring axk_interlink_send's best-effort
// rollback.
func Send(targetCPU uint32, msg *Message, checked bool) *kernel.Error {
	if !initialized {
		return errNotInitialized
	}
	if int(targetCPU) >= len(queues) {
		return errInvalidTarget
	}
	if msg == nil {
		return errInvalidMessage
	}

	copied := *msg
	copied.Body = cloneBody(msg.Body)
	copied.dataCounter.Store(1)
	copied.SourceCPU = currentCPU()

	target := &queues[targetCPU]
	target.lock.Acquire()
	target.messages = append(target.messages, &copied)
	target.lock.Release()

	if err := irq.Default.SendIPI(targetCPU, irq.VectorInterlink, irq.DeliveryNormal, false, checked); err != nil {
		target.lock.Acquire()
		for i, m := range target.messages {
			if m == &copied {
				target.messages = append(target.messages[:i], target.messages[i+1:]...)
				target.lock.Release()
				return errDidNotSend
			}
		}
		target.lock.Release()
	}

	return nil
}

// Broadcast copies msg into every CPU's queue (optionally excluding the
// caller) and signals each with an IPI (§4.10). Unlike Send, a failed IPI
// does not roll back the queued copy: axk_interlink_broadcast never
// attempted that either, since by the time one target's IPI fails the
// message may already be claimed by others sharing the same refcount.
func Broadcast(msg *Message, includeSelf, checked bool) *kernel.Error {
	if !initialized {
		return errNotInitialized
	}
	if msg == nil {
		return errInvalidMessage
	}

	self := currentCPU()
	targetCount := uint32(len(queues))
	if !includeSelf {
		targetCount--
	}

	copied := *msg
	copied.Body = cloneBody(msg.Body)
	copied.dataCounter.Store(targetCount)
	copied.SourceCPU = self

	var failed bool
	for i := range queues {
		if !includeSelf && uint32(i) == self {
			continue
		}

		target := &queues[i]
		target.lock.Acquire()
		target.messages = append(target.messages, &copied)
		target.lock.Release()

		if err := irq.Default.SendIPI(uint32(i), irq.VectorInterlink, irq.DeliveryNormal, false, checked); err != nil {
			failed = true
		}
	}

	if failed {
		return errDidNotSend
	}
	return nil
}

// SetHandler installs (or, with a nil handler, removes) the callback for
// msgType on the calling CPU (§4.10). Each CPU's handler table is private;
// a message type must be registered on every CPU that needs to observe it.
func SetHandler(msgType uint32, handler Handler) {
	if !initialized {
		return
	}

	cpuID := currentCPU()
	target := &queues[cpuID]

	target.lock.Acquire()
	if handler == nil {
		delete(target.handlers, msgType)
	} else {
		target.handlers[msgType] = handler
	}
	target.lock.Release()
}

// HandleInterrupt drains the calling CPU's message queue, dispatching each
// message to its registered handler (if any) and decrementing its refcount
// (§4.10). It never issues EOI itself, leaving that to kernel/irq's
// standard post-callback path.
func HandleInterrupt(vector uint8) bool {
	if !initialized {
		return false
	}

	cpuID := currentCPU()
	target := &queues[cpuID]

	target.lock.Acquire()
	for len(target.messages) > 0 {
		msg := target.messages[0]
		target.messages = target.messages[1:]

		if msg != nil {
			if handler, ok := target.handlers[msg.Type]; ok && handler != nil {
				handler(msg)
			}
			if remaining := msg.dataCounter.Add(^uint32(0)); remaining == 0 && msg.Flags&FlagDontFree == 0 {
				msg.Body = nil
			}
		}
	}
	target.lock.Release()

	return false
}
