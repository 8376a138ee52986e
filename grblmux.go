// Package grblmux is the public entry point: the Go analogue of the
// original C ABI's libsubtractive_init_context/libsubtractive_close_context
// pair, exposing the running instance as an opaque Library handle.
//
// Grounded on libsubtractive_init_context/libsubtractive_close_context in
// _examples/original_source/src/libsubtractive/context.cpp: the original
// guards a `std::atomic<Context*>` singleton behind a mutex so repeat
// Init calls are idempotent and hand back the first instance. Init here
// returns a *Library handle and also keeps it in a mutex-guarded
// package-level variable, so a caller that calls Init twice from unrelated
// goroutines gets the first instance back; Close clears that variable.
package grblmux

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/ghostgunner/grblmux/config"
	"github.com/ghostgunner/grblmux/hotplug"
	"github.com/ghostgunner/grblmux/metrics"
	"github.com/ghostgunner/grblmux/protocol"
	"github.com/ghostgunner/grblmux/registry"
	"github.com/ghostgunner/grblmux/serialport"
)

var initMu sync.Mutex
var singleton *Library

// Library is one running grblmux instance: the Registry actor plus
// whatever hotplug watcher feeds it. Obtain one with Init.
type Library struct {
	cfg      config.Config
	logger   *log.Logger
	metrics  *metrics.Registry
	reg      *registry.Registry
	watcher  hotplug.Watcher
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Options bundles everything Init needs beyond config.Options: the
// collaborators external to this library (the serial transport opener and
// the USB hotplug watcher). Metrics and Logger are
// optional; a nil Metrics disables Prometheus instrumentation entirely and
// a nil Logger falls back to log.Default().
type Options struct {
	Config  config.Config
	Opener  serialport.Opener
	Watcher hotplug.Watcher
	Metrics *metrics.Registry
	Logger  *log.Logger
}

// Init starts a Library. Calling Init again before Close returns the
// already-running instance, mirroring libsubtractive_init_context's
// singleton-if-already-running behavior — options passed on a second call
// are ignored, exactly as the original silently discards the second
// caller's LS_options.
func Init(opts Options) *Library {
	initMu.Lock()
	defer initMu.Unlock()

	if singleton != nil {
		return singleton
	}

	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	lib := &Library{
		cfg:     opts.Config,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		watcher: opts.Watcher,
	}

	lib.reg = registry.New(registry.Config{
		Opener:      opts.Opener,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		MailboxSize: opts.Config.FlowControl.MailboxSize,
		FlowLimit:   opts.Config.FlowControl.BudgetBytes,
	})

	ctx, cancel := context.WithCancel(context.Background())
	lib.cancel = cancel
	go lib.reg.Run(ctx)

	if opts.Watcher != nil {
		go lib.pumpHotplug(ctx, opts.Watcher)
	}

	singleton = lib
	return lib
}

// pumpHotplug relays a hotplug.Watcher's events into the Registry — the Go
// analogue of Context's ZMQ-side USB subscriber thread.
func (l *Library) pumpHotplug(ctx context.Context, w hotplug.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Added():
			if !ok {
				return
			}
			l.reg.USBDeviceAdded(ev.Serial, ev.Port)
		case ev, ok := <-w.Removed():
			if !ok {
				return
			}
			l.reg.USBDeviceRemoved(ev.Serial)
		}
	}
}

// FeedSerialData routes raw inbound bytes for a device into its Machine.
// The caller's concrete serialport.Port implementation owns actually
// reading the tty and calls this with whatever it reads.
func (l *Library) FeedSerialData(usbAddress string, chunk []byte) {
	l.reg.FeedSerialData(usbAddress, chunk)
}

// Close stops the Registry and any hotplug pump, and clears the singleton
// so a subsequent Init starts a fresh Library — the Go analogue of
// libsubtractive_close_context's singleton.exchange(nullptr).
func (l *Library) Close() {
	l.stopOnce.Do(func() {
		initMu.Lock()
		defer initMu.Unlock()
		l.cancel()
		l.reg.Shutdown()
		if l.watcher != nil {
			_ = l.watcher.Close()
		}
		if singleton == l {
			singleton = nil
		}
	})
}

// Client is one connected caller's handle: every ListDevices/Subscribe/
// Send call the Registry receives is attributed to a Client's id, the Go
// analogue of the original's ZeroMQ ROUTER identity frame.
type Client struct {
	id  string
	lib *Library
}

// NewClient mints a Client with a fresh connection id. A caller typically
// keeps one Client per logical subscriber (a UI session, an RPC peer).
func (l *Library) NewClient() *Client {
	return &Client{id: uuid.NewString(), lib: l}
}

// ID returns the Client's connection identity, stable for its lifetime.
func (c *Client) ID() string { return c.id }

// ListDevices implements command_list_devices: every recognized device's
// human-readable description, and implicitly subscribes this Client to
// future device-lifecycle pushes.
func (c *Client) ListDevices() []string {
	return c.lib.reg.ListDevices(c.id)
}

// Subscribe implements command_subscribe's literal first-id/rest-ids quirk:
// addrs[0] subscribes, every subsequent address unsubscribes.
func (c *Client) Subscribe(addrs ...string) {
	c.lib.reg.Subscribe(c.id, addrs)
}

// Unsubscribe implements command_unsubscribe: every address given is
// unsubscribed, with no first/rest distinction.
func (c *Client) Unsubscribe(addrs ...string) {
	c.lib.reg.Unsubscribe(c.id, addrs)
}

// SendGcode implements the SendGcode command: line is sent to the named
// device verbatim, newline-terminated by the caller.
func (c *Client) SendGcode(usbAddress, line string) {
	c.lib.reg.Send(c.id, usbAddress, protocol.SendGcode, []byte(line))
}

func (c *Client) send(usbAddress string, tag protocol.Tag) {
	payload, _ := protocol.WirePayload(tag)
	c.lib.reg.Send(c.id, usbAddress, tag, payload)
}

// The fixed Grbl commands a client may issue directly, each a thin wrapper
// stamping its tag and static wire payload. GrblVersion is
// deliberately not exposed here: the Machine actor issues it itself during
// identification (command_init_grbl's $I probe) and a second, client-driven
// probe would re-run identification against an already-Identified Machine
// for no benefit.
func (c *Client) GrblHelp(usbAddress string)            { c.send(usbAddress, protocol.GrblHelp) }
func (c *Client) GrblStatus(usbAddress string)          { c.send(usbAddress, protocol.GrblStatus) }
func (c *Client) GrblSettings(usbAddress string)        { c.send(usbAddress, protocol.GrblSettings) }
func (c *Client) GrblHome(usbAddress string)            { c.send(usbAddress, protocol.GrblHome) }
func (c *Client) GrblParams(usbAddress string)          { c.send(usbAddress, protocol.GrblParams) }
func (c *Client) GrblParserState(usbAddress string)     { c.send(usbAddress, protocol.GrblParserState) }
func (c *Client) GrblStartupBlocks(usbAddress string)   { c.send(usbAddress, protocol.GrblStartupBlocks) }
func (c *Client) GrblCheckModeToggle(usbAddress string) { c.send(usbAddress, protocol.GrblCheckModeToggle) }
func (c *Client) GrblResetAlarm(usbAddress string)      { c.send(usbAddress, protocol.GrblResetAlarm) }
func (c *Client) GrblSoftReset(usbAddress string)       { c.send(usbAddress, protocol.GrblSoftReset) }
func (c *Client) GrblCycleToggle(usbAddress string)     { c.send(usbAddress, protocol.GrblCycleToggle) }
func (c *Client) GrblFeedHold(usbAddress string)        { c.send(usbAddress, protocol.GrblFeedHold) }
func (c *Client) GrblJogCancel(usbAddress string)       { c.send(usbAddress, protocol.GrblJogCancel) }
