// Package flowcontrol implements the FlowController: the
// scheduling core that throttles commands so Grbl's line buffer is never
// overflowed, interleaves realtime bytes with the queued stream, and pairs
// every inbound response with the oldest outstanding planned command.
//
// Grounded on FlowControl in
// _examples/original_source/src/libsubtractive/communication/flowcontrol.cpp
// (the state machine and the queue/run/receive algorithm, translated line
// for line where the original's semantics are unambiguous) and on the
// single-goroutine, channel-select event loop shape of
// _examples/jangala-dev-devicecode-go's services/hal/worker.go (a select
// loop over a handful of fixed channels, touched only by its own goroutine).
package flowcontrol

import (
	"container/list"
	"context"
	"log"

	"github.com/ghostgunner/grblmux/classify"
	"github.com/ghostgunner/grblmux/errcode"
	"github.com/ghostgunner/grblmux/grblver"
	"github.com/ghostgunner/grblmux/metrics"
	"github.com/ghostgunner/grblmux/protocol"
	"github.com/ghostgunner/grblmux/serialport"
)

// DefaultLimit is Grbl's 128-byte receive buffer minus one byte of headroom.
const DefaultLimit = 127

// Outbound is what the FlowController hands to the serial transport: the
// exact bytes to write, already newline- or realtime-byte terminated.
type Outbound struct {
	Payload []byte
}

// ToParent is everything the FlowController emits toward its owning
// Machine: InitGrbl, GrblPushReceived, ResponseReceived, the
// AlarmRaised push, and the CommandRejected reply.
type ToParent struct {
	Tag  protocol.Tag
	Args [][]byte
}

// SendRequest is a client-originated command arriving from the Machine:
// one of the fourteen Grbl tags or SendGcode, carrying the wire payload the
// Machine already resolved (protocol.WirePayload, or the caller's G-code
// line for SendGcode).
//
// Activate folds command_init_grbl's enable_flow_control()+forward_grbl($I)
// pair into the single sendCh round-trip: the Machine and the Controller run
// as separate actors, so a bare EnableFlowControl() call followed by a
// separate SendCh() send races against the Controller's select over two
// distinct channels — nothing orders "process enableCh" ahead of "process
// sendCh" if both are already buffered by the time the Controller looks.
// Setting Activate makes activation and the first admission atomic within
// one handleSend call instead of two independently-scheduled ones.
type SendRequest struct {
	Tag      protocol.Tag
	Payload  []byte
	Activate bool
}

// Controller is one device's FlowController actor. Every field is touched
// only by the goroutine running Run — each actor stays internally
// single-threaded.
type Controller struct {
	usbAddress string
	logger     *log.Logger
	metrics    *metrics.Registry

	active bool
	alarm  bool
	limit  int
	used   int

	incoming *list.List // of protocol.Queued, front = next to admit
	outgoing *list.List // of protocol.Pending, front = oldest awaiting response
	realtime *protocol.Pending

	classifier classify.Classifier

	sendCh     chan SendRequest
	dataCh     chan serialport.Line
	enableCh   chan struct{}
	usbAddedCh chan struct{}
	usbRemCh   chan struct{}
	shutdownCh chan struct{}

	toSerial chan<- Outbound
	toParent chan<- ToParent
}

// Config bundles a Controller's wiring. ToSerial and ToParent should be
// buffered — actors never block on a send, so every emit here is a
// non-blocking best-effort try.
type Config struct {
	USBAddress  string
	Limit       int
	MailboxSize int
	Logger      *log.Logger
	Metrics     *metrics.Registry
	ToSerial    chan<- Outbound
	ToParent    chan<- ToParent
}

// New builds a Controller. Call Run in its own goroutine to start it.
func New(cfg Config) *Controller {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	c := &Controller{
		usbAddress: cfg.USBAddress,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		limit:      cfg.Limit,
		incoming:   list.New(),
		outgoing:   list.New(),
		sendCh:     make(chan SendRequest, cfg.MailboxSize),
		dataCh:     make(chan serialport.Line, cfg.MailboxSize),
		enableCh:   make(chan struct{}, 1),
		usbAddedCh: make(chan struct{}, 1),
		usbRemCh:   make(chan struct{}, 1),
		shutdownCh: make(chan struct{}, 1),
		toSerial:   cfg.ToSerial,
		toParent:   cfg.ToParent,
	}
	c.refreshGauges(cfg.Limit)
	return c
}

// Endpoints a parent (Machine) uses to drive this Controller.
func (c *Controller) SendCh() chan<- SendRequest     { return c.sendCh }
func (c *Controller) DataCh() chan<- serialport.Line { return c.dataCh }
func (c *Controller) EnableFlowControl()             { trySend(c.enableCh, struct{}{}) }
func (c *Controller) USBDeviceAdded()                { trySend(c.usbAddedCh, struct{}{}) }
func (c *Controller) USBDeviceRemoved()              { trySend(c.usbRemCh, struct{}{}) }
func (c *Controller) Shutdown()                      { trySend(c.shutdownCh, struct{}{}) }

func trySend[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// Run executes the actor loop until ctx is cancelled or Shutdown is
// called. It must run on its own goroutine and is the only code that
// touches c's mutable fields.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdownCh:
			return
		case req := <-c.sendCh:
			c.handleSend(req)
		case line := <-c.dataCh:
			c.handleDataReceived(line.Text)
		case <-c.enableCh:
			c.active = true
		case <-c.usbAddedCh:
			c.handleReconnectTrigger()
		case <-c.usbRemCh:
			c.handleReconnectTrigger()
		}
	}
}

// handleReconnectTrigger implements command_usb_device_added/removed's
// flow-control half (flowcontrol.cpp). The USB event is not forwarded to the
// serial transport here (the Registry closes the Port on removal); this
// actor only reacts by flushing its queues and deactivating if flow control
// is already active.
//
// This resolves the state directly rather than synthesizing an empty
// PositionReconnect Queued and routing it through queue()/run(): that path
// (mirroring the original's Queue::Reconnect case, which falls through to
// Queue::Front's "if (0 < bytes.size())" guard) only flips active_ once an
// admitted request actually transmits — a reconnect trigger carries no
// payload, so it would never reach that branch and flow control would stay
// latched active against a device that just disappeared.
func (c *Controller) handleReconnectTrigger() {
	if !c.active {
		return
	}
	c.active = false
	c.outgoing.Init()
	c.incoming.Init()
	c.realtime = nil
	c.used = 0
	c.refreshGauges(c.limit)
}

// handleSend implements process_command's alarm gate followed by
// command_send_message. A command rejected for an active alarm gets a
// structured CommandRejected reply instead of the original's silent drop.
// While inactive, messages pass straight through with no alarm gating at
// all.
func (c *Controller) handleSend(req SendRequest) {
	if req.Activate {
		c.active = true
	}

	if !c.active {
		c.trySendOutbound(Outbound{Payload: req.Payload})
		return
	}

	if c.alarm && !protocol.ClearsAlarm(req.Tag) {
		c.emitParent(protocol.CommandRejected,
			[]byte(c.usbAddress), []byte(req.Tag.String()), []byte(errcode.AlarmActive))
		return
	}

	flags, ok := protocol.FlagsFor(req.Tag)
	if !ok {
		c.logger.Printf("flowcontrol[%s]: no SendFlags for tag %s, dropping", c.usbAddress, req.Tag)
		return
	}

	c.queue(protocol.Queued{
		Request: protocol.Request{Tag: req.Tag, Payload: req.Payload},
		Flags:   flags,
	}, protocol.ClearsAlarm(req.Tag))
}

// queue implements FlowControl::queue: admit a request into the incoming
// queue at the position its flags dictate, then attempt to run the queue.
func (c *Controller) queue(q protocol.Queued, clearsAlarm bool) {
	switch q.Flags.Position {
	case protocol.PositionReset:
		c.incoming.Init()
		fallthrough
	case protocol.PositionFront:
		if len(q.Request.Payload) > 0 {
			c.incoming.PushFront(q)
		}
	case protocol.PositionBack:
		if len(q.Request.Payload) > 0 {
			c.incoming.PushBack(q)
		}
	}

	c.run(clearsAlarm)
}

// run implements FlowControl::run: drain as much of the incoming queue as
// the byte budget and buffering rules allow, transmitting each admitted
// request and moving it to the outgoing FIFO or the realtime slot.
func (c *Controller) run(clearsAlarm bool) {
	defer c.refreshGauges(c.limit)

	if c.alarm && !clearsAlarm {
		return
	}

	available := c.limit - c.used

	for {
		front := c.incoming.Front()
		if front == nil {
			return
		}
		q := front.Value.(protocol.Queued)
		size := len(q.Request.Payload)

		if q.Flags.Planned == protocol.Planned {
			if size > available {
				return
			}
			available -= size
		} else {
			if q.Flags.Buffer == protocol.NoBuffer && c.outgoing.Len() > 0 {
				return
			}
			if q.Flags.Realtime == protocol.RealtimeCmd && c.realtime != nil {
				return
			}
		}

		c.transmit(q.Request.Payload)

		if q.Flags.Position == protocol.PositionReset {
			c.active = false
			c.outgoing.Init()
			c.incoming.Init()
			c.realtime = nil
			c.used = 0
			return
		}

		if q.Flags.Planned == protocol.Planned {
			c.used += size
		}

		pending := protocol.Pending{Flags: q.Flags, Size: size, Request: q.Request}
		if q.Flags.Realtime == protocol.RealtimeCmd {
			c.realtime = &pending
		} else {
			c.outgoing.PushBack(pending)
			if q.Flags.LineShape == protocol.Multiline {
				c.classifier.StartMultiline()
			}
		}

		c.incoming.Remove(front)
	}
}

// handleDataReceived implements command_data_received: classify the line
// and, for classifications that conclude a response, pair it with the
// oldest outstanding request.
func (c *Controller) handleDataReceived(line string) {
	switch c.classifier.Classify(line) {
	case classify.Empty:
		// Drop whatever the classifier had accumulated; nothing to pair.
		c.classifier.Reset()

	case classify.Startup:
		data := grblver.Parse(line)
		dumped := c.classifier.Dump()
		args := [][]byte{
			[]byte(c.usbAddress),
			{byte(data.Major)}, {byte(data.Minor)}, {data.Sub},
		}
		c.emitParent(protocol.InitGrbl, append(args, dumped...)...)
		c.alarm = false

	case classify.Push:
		dumped := c.classifier.Dump()
		c.emitParent(protocol.GrblPushReceived, append([][]byte{[]byte(c.usbAddress)}, dumped...)...)

	case classify.Status:
		// A real Status classification, paired through
		// the realtime slot rather than hard-coded to Startup.
		c.receive(true)

	case classify.Multiline:
		// Still accumulating; nothing to pair yet.

	case classify.Alarm:
		dumped := c.classifier.Dump()
		c.alarm = true
		// Relay the alarm to the parent instead of the
		// original's silently-discarded FIXME.
		c.emitParent(protocol.AlarmRaised, append([][]byte{[]byte(c.usbAddress)}, dumped...)...)

	case classify.Response, classify.MultilineDone:
		c.receive(false)

	default: // classify.Unknown
		c.receive(false)
	}

	c.refreshGauges(c.limit)
}

// receive implements FlowControl::receive: pop the request the just-seen
// response pairs with, emit it to the parent, then try to admit more of
// the incoming queue now that a slot has freed up.
func (c *Controller) receive(realtime bool) {
	var req protocol.Request
	if realtime {
		req = c.receiveRealtime()
	} else {
		req = c.receiveNormal()
	}
	c.responseReceived(req)
	c.run(false)
}

func (c *Controller) receiveNormal() protocol.Request {
	front := c.outgoing.Front()
	if front == nil {
		return protocol.Request{}
	}
	pending := front.Value.(protocol.Pending)
	if pending.Flags.Planned == protocol.Planned {
		c.used -= pending.Size
	}
	c.outgoing.Remove(front)
	return pending.Request
}

func (c *Controller) receiveRealtime() protocol.Request {
	if c.realtime == nil {
		return protocol.Request{}
	}
	req := c.realtime.Request
	c.realtime = nil
	return req
}

func (c *Controller) responseReceived(req protocol.Request) {
	if protocol.ClearsAlarm(req.Tag) {
		c.alarm = false
	}

	dumped := c.classifier.Dump()
	args := make([][]byte, 0, 3+len(dumped))
	args = append(args, []byte(c.usbAddress), []byte{byte(req.Tag)}, req.Payload)
	args = append(args, dumped...)
	c.emitParent(protocol.ResponseReceived, args...)
}

func (c *Controller) transmit(payload []byte) {
	c.trySendOutbound(Outbound{Payload: payload})
	if c.metrics != nil {
		c.metrics.CommandsAdmitted.WithLabelValues(c.usbAddress).Inc()
	}
}

func (c *Controller) trySendOutbound(o Outbound) {
	select {
	case c.toSerial <- o:
	default:
		c.logger.Printf("flowcontrol[%s]: serial outbound mailbox full, dropping write", c.usbAddress)
	}
}

func (c *Controller) emitParent(tag protocol.Tag, args ...[]byte) {
	select {
	case c.toParent <- ToParent{Tag: tag, Args: args}:
	default:
		c.logger.Printf("flowcontrol[%s]: parent mailbox full, dropping %s", c.usbAddress, tag)
	}
}

func (c *Controller) refreshGauges(limit int) {
	if c.metrics == nil {
		return
	}
	c.metrics.BudgetLimit.WithLabelValues(c.usbAddress).Set(float64(limit))
	c.metrics.BudgetUsed.WithLabelValues(c.usbAddress).Set(float64(c.used))
	c.metrics.QueueIncoming.WithLabelValues(c.usbAddress).Set(float64(c.incoming.Len()))
	c.metrics.QueueOutgoing.WithLabelValues(c.usbAddress).Set(float64(c.outgoing.Len()))
	alarmVal := 0.0
	if c.alarm {
		alarmVal = 1.0
	}
	c.metrics.AlarmActive.WithLabelValues(c.usbAddress).Set(alarmVal)
}
