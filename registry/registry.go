// Package registry implements the Device Registry/Router: the actor that
// owns every Machine, tracks which devices have been
// identified as supported, and fans responses and device-lifecycle pushes
// out to subscribing clients.
//
// Grounded on Context in _examples/original_source/src/libsubtractive/context.cpp
// (find_or_create, command_support_device's insertion-order dedup,
// command_subscribe's first-id/rest-ids quirk, forward_to_machine/
// forward_to_subscriber) translated onto _examples/jangala-dev-devicecode-go's
// bus package for client fan-out and this module's actorloop.Mux for the
// dynamically-grown set of per-Machine endpoints.
package registry

import (
	"context"
	"log"
	"reflect"

	"github.com/ghostgunner/grblmux/actorloop"
	"github.com/ghostgunner/grblmux/bus"
	"github.com/ghostgunner/grblmux/errcode"
	"github.com/ghostgunner/grblmux/flowcontrol"
	"github.com/ghostgunner/grblmux/machine"
	"github.com/ghostgunner/grblmux/metrics"
	"github.com/ghostgunner/grblmux/protocol"
	"github.com/ghostgunner/grblmux/serialport"
)

// deviceTopic is where ListDevices/PushDeviceAdded/PushDeviceRemoved travel.
func deviceTopic() bus.Topic { return bus.T("devices") }

// machineTopic is where one device's ResponseReceived/GrblPushReceived/
// AlarmRaised/CommandRejected/NowExecuting traffic travels.
func machineTopic(addr string) bus.Topic { return bus.T("machine", addr) }

type deviceEntry struct {
	machine  *machine.Machine
	port     serialport.Port
	framer   *serialport.LineFramer
	toParent chan machine.ToParent
}

// Config bundles a Registry's wiring.
type Config struct {
	// Opener is how the Registry obtains a concrete serial transport for a
	// newly added USB device. Required.
	Opener      serialport.Opener
	Logger      *log.Logger
	Metrics     *metrics.Registry
	MailboxSize int
	BusQueueLen int
	FlowLimit   int
}

// Registry is grblmux's single Device Registry/Router actor. Every field
// is touched only by the goroutine running Run.
type Registry struct {
	opener    serialport.Opener
	logger    *log.Logger
	metrics   *metrics.Registry
	flowLimit int
	bus       *bus.Bus
	mux       *actorloop.Mux

	devices       map[string]*deviceEntry
	recognized    []string
	recognizedSet map[string]bool

	connections map[string]*bus.Connection
	machineSubs map[string]map[string]*bus.Subscription // connID -> usbAddress -> sub
	deviceSubs  map[string]*bus.Subscription             // connID -> devices-topic sub

	listCh     chan listDevicesCmd
	knownCh    chan knownDevicesCmd
	subCh      chan subscribeCmd
	unsubCh    chan subscribeCmd
	sendCh     chan sendCmd
	usbAddedCh chan usbAddedCmd
	usbRemCh   chan usbRemovedCmd
	feedCh     chan feedCmd
	shutdownCh chan struct{}
}

type listDevicesCmd struct {
	connID string
	reply  chan []string
}

type knownDevicesCmd struct {
	reply chan []string
}

type subscribeCmd struct {
	connID string
	addrs  []string
}

type sendCmd struct {
	connID  string
	addr    string
	tag     protocol.Tag
	payload []byte
}

type usbAddedCmd struct {
	addr string
	port string
}

type usbRemovedCmd struct {
	addr string
}

type feedCmd struct {
	addr  string
	chunk []byte
}

// New builds a Registry. Call Run in its own goroutine to start it.
func New(cfg Config) *Registry {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 32
	}
	if cfg.BusQueueLen <= 0 {
		cfg.BusQueueLen = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	r := &Registry{
		opener:        cfg.Opener,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		flowLimit:     cfg.FlowLimit,
		bus:           bus.NewBus(cfg.BusQueueLen),
		mux:           actorloop.NewMux(),
		devices:       make(map[string]*deviceEntry),
		recognizedSet: make(map[string]bool),
		connections:   make(map[string]*bus.Connection),
		machineSubs:   make(map[string]map[string]*bus.Subscription),
		deviceSubs:    make(map[string]*bus.Subscription),
		listCh:        make(chan listDevicesCmd, cfg.MailboxSize),
		knownCh:       make(chan knownDevicesCmd, cfg.MailboxSize),
		subCh:         make(chan subscribeCmd, cfg.MailboxSize),
		unsubCh:       make(chan subscribeCmd, cfg.MailboxSize),
		sendCh:        make(chan sendCmd, cfg.MailboxSize),
		usbAddedCh:    make(chan usbAddedCmd, cfg.MailboxSize),
		usbRemCh:      make(chan usbRemovedCmd, cfg.MailboxSize),
		feedCh:        make(chan feedCmd, cfg.MailboxSize),
		shutdownCh:    make(chan struct{}, 1),
	}

	r.mux.Add(r.listCh, r.handlerFor(func(v interface{}) { r.handleListDevices(v.(listDevicesCmd)) }))
	r.mux.Add(r.knownCh, r.handlerFor(func(v interface{}) { r.handleKnownDevices(v.(knownDevicesCmd)) }))
	r.mux.Add(r.subCh, r.handlerFor(func(v interface{}) { r.handleSubscribe(v.(subscribeCmd)) }))
	r.mux.Add(r.unsubCh, r.handlerFor(func(v interface{}) { r.handleUnsubscribe(v.(subscribeCmd)) }))
	r.mux.Add(r.sendCh, r.handlerFor(func(v interface{}) { r.handleSend(v.(sendCmd)) }))
	r.mux.Add(r.usbAddedCh, r.handlerFor(func(v interface{}) { r.handleUSBDeviceAdded(v.(usbAddedCmd)) }))
	r.mux.Add(r.usbRemCh, r.handlerFor(func(v interface{}) { r.handleUSBDeviceRemoved(v.(usbRemovedCmd)) }))
	r.mux.Add(r.feedCh, r.handlerFor(func(v interface{}) { r.handleFeed(v.(feedCmd)) }))
	r.mux.Add(r.shutdownCh, func(reflect.Value, bool) bool { return true })

	return r
}

// handlerFor adapts a typed callback into an actorloop.Handler, so command
// dispatch reads as ordinary Go methods instead of reflect plumbing.
func (r *Registry) handlerFor(fn func(interface{})) actorloop.Handler {
	return func(v reflect.Value, ok bool) bool {
		if !ok {
			return false
		}
		fn(v.Interface())
		return false
	}
}

// Run executes the Registry's actor loop until ctx is cancelled or Shutdown
// is called. Each Machine runs on its own goroutine, started by
// findOrCreate, not by Run.
func (r *Registry) Run(ctx context.Context) {
	r.mux.Run(ctx)
}

// Shutdown stops the Registry's loop. Live Machines are not torn down: each
// runs under its own background context, so neither Shutdown nor cancelling
// the ctx passed to Run stops a Machine or its FlowController.
func (r *Registry) Shutdown() {
	select {
	case r.shutdownCh <- struct{}{}:
	default:
	}
}

// connectionFor returns (creating if absent) the bus.Connection backing
// connID — the Go analogue of the original's ZeroMQ router identity.
func (r *Registry) connectionFor(connID string) *bus.Connection {
	if conn, ok := r.connections[connID]; ok {
		return conn
	}
	conn := r.bus.NewConnection(connID)
	r.connections[connID] = conn
	return conn
}

// ListDevices requests the current recognized-device descriptions and
// subscribes connID to future device-lifecycle pushes, mirroring
// command_list_devices.
func (r *Registry) ListDevices(connID string) []string {
	reply := make(chan []string, 1)
	r.listCh <- listDevicesCmd{connID: connID, reply: reply}
	return <-reply
}

func (r *Registry) handleListDevices(cmd listDevicesCmd) {
	conn := r.connectionFor(cmd.connID)
	if _, already := r.deviceSubs[cmd.connID]; !already {
		r.deviceSubs[cmd.connID] = conn.Subscribe(deviceTopic())
	}

	out := make([]string, 0, len(r.recognized))
	for _, addr := range r.recognized {
		entry, ok := r.devices[addr]
		if !ok {
			continue
		}
		out = append(out, entry.machine.Describe())
	}
	cmd.reply <- out
}

// KnownDevices reports every USB address the Registry currently holds a
// device entry for, identified or not. Unlike ListDevices this doesn't wait
// for the identification ladder to reach Identified — it answers as soon as
// USBDeviceAdded's find_or_create has run, which callers (tests among them)
// can poll to synchronize with the Registry's actor loop without reaching
// past its exported surface.
func (r *Registry) KnownDevices() []string {
	reply := make(chan []string, 1)
	r.knownCh <- knownDevicesCmd{reply: reply}
	return <-reply
}

func (r *Registry) handleKnownDevices(cmd knownDevicesCmd) {
	out := make([]string, 0, len(r.devices))
	for addr := range r.devices {
		out = append(out, addr)
	}
	cmd.reply <- out
}

// Subscribe implements command_subscribe's literal, deliberately-preserved
// quirk: the first address subscribes connID to that
// machine's traffic; every subsequent address unsubscribes it instead.
func (r *Registry) Subscribe(connID string, addrs []string) {
	r.subCh <- subscribeCmd{connID: connID, addrs: addrs}
}

func (r *Registry) handleSubscribe(cmd subscribeCmd) {
	for i, addr := range cmd.addrs {
		if i == 0 {
			r.subscribeConnToMachine(cmd.connID, addr)
		} else {
			r.unsubscribeConnFromMachine(cmd.connID, addr)
		}
	}
}

// Unsubscribe implements command_unsubscribe: every address is
// unsubscribed, no first/rest distinction.
func (r *Registry) Unsubscribe(connID string, addrs []string) {
	r.unsubCh <- subscribeCmd{connID: connID, addrs: addrs}
}

func (r *Registry) handleUnsubscribe(cmd subscribeCmd) {
	for _, addr := range cmd.addrs {
		r.unsubscribeConnFromMachine(cmd.connID, addr)
	}
}

func (r *Registry) subscribeConnToMachine(connID, addr string) {
	if subs, ok := r.machineSubs[connID]; ok {
		if _, already := subs[addr]; already {
			return
		}
	} else {
		r.machineSubs[connID] = make(map[string]*bus.Subscription)
	}
	conn := r.connectionFor(connID)
	r.machineSubs[connID][addr] = conn.Subscribe(machineTopic(addr))
}

func (r *Registry) unsubscribeConnFromMachine(connID, addr string) {
	subs, ok := r.machineSubs[connID]
	if !ok {
		return
	}
	sub, ok := subs[addr]
	if !ok {
		return
	}
	r.connectionFor(connID).Unsubscribe(sub)
	delete(subs, addr)
}

// Send forwards a client command to the named device's Machine,
// auto-subscribing connID the way forward_to_machine does.
func (r *Registry) Send(connID, addr string, tag protocol.Tag, payload []byte) {
	r.sendCh <- sendCmd{connID: connID, addr: addr, tag: tag, payload: payload}
}

func (r *Registry) handleSend(cmd sendCmd) {
	r.subscribeConnToMachine(cmd.connID, cmd.addr)

	entry, ok := r.devices[cmd.addr]
	if !ok {
		r.logger.Printf("registry: %s: %s", cmd.addr, errcode.UnknownDevice)
		return
	}

	select {
	case entry.machine.RequestCh() <- machine.Request{Tag: cmd.tag, Payload: cmd.payload}:
	default:
		r.logger.Printf("registry: %s: machine mailbox full, dropping %s", cmd.addr, cmd.tag)
	}
}

// USBDeviceAdded implements command_usb_device_added: find-or-create the
// device's Machine and forward the hotplug event to it.
func (r *Registry) USBDeviceAdded(addr, devicePort string) {
	r.usbAddedCh <- usbAddedCmd{addr: addr, port: devicePort}
}

func (r *Registry) handleUSBDeviceAdded(cmd usbAddedCmd) {
	entry, err := r.findOrCreate(cmd.addr, cmd.port)
	if err != nil {
		r.logger.Printf("registry: opening %s: %v", cmd.addr, err)
		return
	}
	entry.machine.USBDeviceAdded()
}

// USBDeviceRemoved implements command_usb_device_removed: push
// PushDeviceRemoved to device subscribers first (so clients see the
// departure before the Machine tears down), then forward the event and
// drop the device from recognized_devices.
func (r *Registry) USBDeviceRemoved(addr string) {
	r.usbRemCh <- usbRemovedCmd{addr: addr}
}

func (r *Registry) handleUSBDeviceRemoved(cmd usbRemovedCmd) {
	r.bus.Publish(r.bus.NewPush(deviceTopic(), protocol.PushDeviceRemoved,
		[][]byte{[]byte(cmd.addr)}))

	r.removeRecognized(cmd.addr)

	entry, ok := r.devices[cmd.addr]
	if !ok {
		return
	}
	entry.machine.USBDeviceRemoved()
	if entry.port != nil {
		_ = entry.port.Close()
	}
}

// FeedSerialData routes raw inbound bytes for addr through that device's
// line framer and into its Machine — the entry point the library's owner
// calls from whatever goroutine actually reads the tty, kept external to
// this library.
func (r *Registry) FeedSerialData(addr string, chunk []byte) {
	r.feedCh <- feedCmd{addr: addr, chunk: chunk}
}

func (r *Registry) handleFeed(cmd feedCmd) {
	entry, ok := r.devices[cmd.addr]
	if !ok {
		return
	}
	for _, line := range entry.framer.Feed(cmd.chunk) {
		select {
		case entry.machine.DataCh() <- line:
		default:
			r.logger.Printf("registry: %s: machine data mailbox full, dropping line", cmd.addr)
		}
	}
}

// findOrCreate implements find_or_create for the Add path: build a new
// Machine (and its owned FlowController) the first time a device address
// is seen, wiring its outbound bytes through a freshly opened Port.
func (r *Registry) findOrCreate(addr, devicePort string) (*deviceEntry, error) {
	if entry, ok := r.devices[addr]; ok {
		return entry, nil
	}

	port, err := r.opener(addr, devicePort)
	if err != nil {
		return nil, err
	}

	toSerial := make(chan flowcontrol.Outbound, 32)
	toParent := make(chan machine.ToParent, 32)

	m := machine.New(machine.Config{
		USBAddress:  addr,
		Limit:       r.flowLimit,
		MailboxSize: 32,
		Logger:      r.logger,
		Metrics:     r.metrics,
		ToSerial:    toSerial,
		ToParent:    toParent,
	})

	entry := &deviceEntry{
		machine:  m,
		port:     port,
		framer:   serialport.NewLineFramer(addr),
		toParent: toParent,
	}
	r.devices[addr] = entry

	go pumpOutbound(port, toSerial)
	go m.Run(context.Background())
	r.mux.Add(toParent, r.handlerFor(func(v interface{}) { r.handleMachineEvent(addr, v.(machine.ToParent)) }))

	return entry, nil
}

func pumpOutbound(port serialport.Port, toSerial <-chan flowcontrol.Outbound) {
	for o := range toSerial {
		if _, err := port.Write(o.Payload); err != nil {
			return
		}
	}
}

// handleMachineEvent implements command_support_device and
// GrblPushReceived/ResponseReceived's forward_to_subscriber dispatch.
func (r *Registry) handleMachineEvent(addr string, ev machine.ToParent) {
	switch ev.Tag {
	case protocol.DeviceIsSupported:
		r.supportDevice(addr)
	case protocol.ResponseReceived, protocol.GrblPushReceived,
		protocol.AlarmRaised, protocol.CommandRejected, protocol.NowExecuting:
		r.bus.Publish(r.bus.NewPush(machineTopic(addr), ev.Tag, ev.Args))
	default:
		r.logger.Printf("registry: %s: unexpected machine event %s", addr, ev.Tag)
	}
}

// supportDevice implements command_support_device. It
// replaces the sort-then-dedupe no-op with a real insertion-ordered set,
// then pushes PushDeviceAdded to every device subscriber.
func (r *Registry) supportDevice(addr string) {
	if !r.recognizedSet[addr] {
		r.recognizedSet[addr] = true
		r.recognized = append(r.recognized, addr)
	}

	entry, ok := r.devices[addr]
	if !ok {
		return
	}

	r.bus.Publish(r.bus.NewPush(deviceTopic(), protocol.PushDeviceAdded,
		[][]byte{[]byte(addr), []byte(entry.machine.Describe())}))
}

func (r *Registry) removeRecognized(addr string) {
	if !r.recognizedSet[addr] {
		return
	}
	delete(r.recognizedSet, addr)
	for i, a := range r.recognized {
		if a == addr {
			r.recognized = append(r.recognized[:i], r.recognized[i+1:]...)
			break
		}
	}
}
