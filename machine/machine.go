// Package machine implements the Machine actor: the four-state
// identification state machine that owns one device's
// FlowController, tracks its Grbl firmware version and Ghost-Gunner-ness,
// and stamps every forwarded command with a strictly increasing message
// id.
//
// Grounded on Machine in _examples/original_source/src/libsubtractive/machine.cpp
// (command_init_grbl, process_response_version's DD/GG regex precedence,
// forward_grbl's message-id stamp, Describe's rendering strings) and on the
// single-goroutine select-loop idiom of
// _examples/jangala-dev-devicecode-go's services/hal/worker.go.
package machine

import (
	"context"
	"fmt"
	"log"
	"regexp"

	"github.com/ghostgunner/grblmux/errcode"
	"github.com/ghostgunner/grblmux/flowcontrol"
	"github.com/ghostgunner/grblmux/grblver"
	"github.com/ghostgunner/grblmux/metrics"
	"github.com/ghostgunner/grblmux/protocol"
	"github.com/ghostgunner/grblmux/serialport"
)

// State is the four-stop identification ladder a Machine climbs. Ordered so
// State comparisons ("< Grbl", "< Identified") read the way machine.cpp's
// own State comparisons do.
type State uint8

const (
	Disconnected State = iota
	Connected
	Grbl
	Identified
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Grbl:
		return "Grbl"
	case Identified:
		return "Identified"
	default:
		return "Unknown"
	}
}

// Type is the recognized machine model, derived from the $I version reply.
type Type uint8

const (
	Unknown Type = iota
	GhostGunner
)

func (t Type) String() string {
	if t == GhostGunner {
		return "GhostGunner"
	}
	return "Unknown"
}

// ggDD and ggGG3 implement process_response_version's extraction: DD is
// tried first (preserving the original's precedence literally, even
// though "gg2" in the original's naming refers to the second regex tried).
var (
	ggDD  = regexp.MustCompile(`DD ([0-9a-zA-Z]+)`)
	ggGG3 = regexp.MustCompile(`GG:([0-9a-zA-Z]+)`)
)

// Request is a client/Registry-originated command destined for this
// device: one of the fourteen Grbl tags, or SendGcode.
type Request struct {
	Tag     protocol.Tag
	Payload []byte
}

// ToParent is everything a Machine emits toward the Registry: the state-ladder
// events (DeviceIsSupported), forwarded responses and pushes, the audit-trail
// NowExecuting push (I7), and the alarm/rejection relays from its
// FlowController.
type ToParent struct {
	Tag  protocol.Tag
	Args [][]byte
}

// Machine is one device's identification state machine and the owner of
// its FlowController. Every field is touched only by the goroutine
// running Run.
type Machine struct {
	usbAddress    string
	logger        *log.Logger
	metrics       *metrics.Registry
	state         State
	machineType   Type
	grblVersion   grblver.Data
	versionString string
	nextMessageID uint64

	flow     *flowcontrol.Controller
	fromFlow chan flowcontrol.ToParent

	reqCh      chan Request
	usbAddedCh chan struct{}
	usbRemCh   chan struct{}
	shutdownCh chan struct{}

	toParent chan<- ToParent
}

// Config bundles a Machine's wiring. ToSerial is the raw byte sink its
// owned FlowController writes to; ToParent is where this Machine's own
// events go (typically the Registry's fan-in channel for this device).
type Config struct {
	USBAddress  string
	Limit       int
	MailboxSize int
	Logger      *log.Logger
	Metrics     *metrics.Registry
	ToSerial    chan<- flowcontrol.Outbound
	ToParent    chan<- ToParent
}

// New builds a Machine and its owned FlowController. Call Run in its own
// goroutine to start both.
func New(cfg Config) *Machine {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	m := &Machine{
		usbAddress: cfg.USBAddress,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		state:      Disconnected,
		fromFlow:   make(chan flowcontrol.ToParent, cfg.MailboxSize),
		reqCh:      make(chan Request, cfg.MailboxSize),
		usbAddedCh: make(chan struct{}, 1),
		usbRemCh:   make(chan struct{}, 1),
		shutdownCh: make(chan struct{}, 1),
		toParent:   cfg.ToParent,
	}

	flowToParent := m.fromFlow
	m.flow = flowcontrol.New(flowcontrol.Config{
		USBAddress:  cfg.USBAddress,
		Limit:       cfg.Limit,
		MailboxSize: cfg.MailboxSize,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
		ToSerial:    cfg.ToSerial,
		ToParent:    flowToParent,
	})

	m.observeState()
	return m
}

// Endpoints a Registry uses to drive this Machine.
func (m *Machine) RequestCh() chan<- Request { return m.reqCh }
func (m *Machine) USBDeviceAdded()           { trySend(m.usbAddedCh, struct{}{}) }
func (m *Machine) USBDeviceRemoved()         { trySend(m.usbRemCh, struct{}{}) }
func (m *Machine) Shutdown()                 { trySend(m.shutdownCh, struct{}{}); m.flow.Shutdown() }
func (m *Machine) DataCh() chan<- serialport.Line { return m.flow.DataCh() }

func trySend[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// Run executes the Machine's actor loop — and, on the same call, its
// owned FlowController's loop, on a second goroutine — until ctx is
// cancelled or Shutdown is called.
func (m *Machine) Run(ctx context.Context) {
	go m.flow.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdownCh:
			return
		case req := <-m.reqCh:
			m.forwardGrbl(req.Tag, req.Payload, false)
		case <-m.usbAddedCh:
			m.state = Connected
			m.flow.USBDeviceAdded()
			m.observeState()
		case <-m.usbRemCh:
			m.state = Disconnected
			m.flow.USBDeviceRemoved()
			m.observeState()
		case ev := <-m.fromFlow:
			m.handleFlowEvent(ev)
		}
	}
}

func (m *Machine) handleFlowEvent(ev flowcontrol.ToParent) {
	switch ev.Tag {
	case protocol.InitGrbl:
		m.commandInitGrbl(ev.Args)
	case protocol.GrblPushReceived:
		m.emitParent(protocol.GrblPushReceived, ev.Args...)
	case protocol.ResponseReceived:
		m.commandResponseReceived(ev.Args)
	case protocol.AlarmRaised, protocol.CommandRejected:
		// Relay straight through: the Registry/client needs to see these
		// regardless of identification state.
		m.emitParent(ev.Tag, ev.Args...)
	default:
		m.logger.Printf("machine[%s]: unexpected event from flow controller: %s", m.usbAddress, ev.Tag)
	}
}

// commandInitGrbl implements command_init_grbl: gate on firmware version,
// transition to Grbl, enable flow control, and probe $I.
func (m *Machine) commandInitGrbl(args [][]byte) {
	// args: [usbAddress, major, minor, sub, ...dumpedStartupLines]
	if len(args) < 4 {
		return
	}
	data := grblver.Data{Major: uint(args[1][0]), Minor: uint(args[2][0]), Sub: args[3][0]}
	m.grblVersion = data

	if !data.Supported() {
		m.logger.Printf("machine[%s]: unsupported firmware %s (%s)", m.usbAddress, data, errcode.UnsupportedFirmware)
		return
	}

	m.state = Grbl
	m.observeState()

	payload, _ := protocol.WirePayload(protocol.GrblVersion)
	m.forwardGrbl(protocol.GrblVersion, payload, true)
}

// forwardGrbl implements forward_grbl: reject pre-Grbl commands with a
// structured reply instead of the original's silent
// drop, otherwise stamp a strictly-increasing message id (I7) and forward
// to the FlowController. activate is set only for the $I probe
// commandInitGrbl issues immediately after enabling flow control: folding
// the activation into this same SendRequest keeps it atomic with the first
// admission, since the Machine and Controller are separate actors and a
// bare EnableFlowControl() call followed by a separate SendCh() send has no
// guaranteed order once both are buffered.
func (m *Machine) forwardGrbl(tag protocol.Tag, payload []byte, activate bool) {
	if m.state < Grbl {
		m.emitParent(protocol.CommandRejected,
			[]byte(m.usbAddress), []byte(tag.String()), []byte(errcode.NotIdentified))
		return
	}

	m.nextMessageID++
	id := m.nextMessageID

	select {
	case m.flow.SendCh() <- flowcontrol.SendRequest{Tag: tag, Payload: payload, Activate: activate}:
	default:
		m.logger.Printf("machine[%s]: flow controller mailbox full, dropping %s", m.usbAddress, tag)
		return
	}

	m.emitParent(protocol.NowExecuting,
		[]byte(m.usbAddress), []byte{byte(tag)}, encodeMessageID(id))
}

func encodeMessageID(id uint64) []byte {
	return []byte(fmt.Sprintf("%d", id))
}

// commandResponseReceived implements command_response_received: during
// Grbl, the first response is the version identification reply; once
// Identified, every response forwards straight through.
func (m *Machine) commandResponseReceived(args [][]byte) {
	switch m.state {
	case Disconnected, Connected:
		// No FlowController should be active yet; nothing to pair.
	case Grbl:
		m.processResponseVersion(args)
	default:
		m.processResponse(args)
	}
}

// processResponseVersion implements the DD/GG3 regex precedence from
// process_response_version: DD is always tried first.
func (m *Machine) processResponseVersion(args [][]byte) {
	if len(args) < 4 {
		m.processResponse(args)
		return
	}
	ver := string(args[3])

	if match := ggDD.FindStringSubmatch(ver); match != nil {
		m.machineType = GhostGunner
		m.versionString = match[1]
	} else if match := ggGG3.FindStringSubmatch(ver); match != nil {
		m.machineType = GhostGunner
		m.versionString = match[1]
	} else {
		m.machineType = Unknown
		m.versionString = ver
	}

	if m.state < Identified {
		m.emitParent(protocol.DeviceIsSupported, []byte(m.usbAddress))
	}
	m.state = Identified
	m.observeState()
}

func (m *Machine) processResponse(args [][]byte) {
	m.emitParent(protocol.ResponseReceived, args...)
}

// Describe renders the human-readable device summary exposed through
// ListDevices.
func (m *Machine) Describe() string {
	if m.machineType == GhostGunner {
		return fmt.Sprintf("Ghost Gunner %s (%s)", m.versionString, m.usbAddress)
	}
	return fmt.Sprintf("Generic Grbl %d.%d%c device (%s)",
		m.grblVersion.Major, m.grblVersion.Minor, orSpace(m.grblVersion.Sub), m.usbAddress)
}

func orSpace(b byte) byte {
	if b == 0 {
		return ' '
	}
	return b
}

// State reports the Machine's current identification state. Safe to call
// only from the Registry after the Machine has relayed a state-observing
// event — this is a convenience for tests and Describe callers, not meant
// for cross-goroutine polling.
func (m *Machine) State() State { return m.state }

// Type reports the identified machine model.
func (m *Machine) Type() Type { return m.machineType }

func (m *Machine) emitParent(tag protocol.Tag, args ...[]byte) {
	select {
	case m.toParent <- ToParent{Tag: tag, Args: args}:
	default:
		m.logger.Printf("machine[%s]: parent mailbox full, dropping %s", m.usbAddress, tag)
	}
}

func (m *Machine) observeState() {
	if m.metrics == nil {
		return
	}
	m.metrics.MachineState.WithLabelValues(m.usbAddress).Set(float64(m.state))
}
