// Command grblctl-demo exercises the grblmux library end to end against an
// in-memory serial transport and hotplug watcher — no real USB hardware
// involved. It is the Go analogue of _examples/jangala-dev-devicecode-go's
// bus/cmd/selftest: a small, runnable demonstration of the wiring rather
// than a production CLI.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghostgunner/grblmux"
	"github.com/ghostgunner/grblmux/config"
	"github.com/ghostgunner/grblmux/hotplug"
	"github.com/ghostgunner/grblmux/metrics"
	"github.com/ghostgunner/grblmux/serialport"
)

// loopbackPort is a fake serial transport that feeds a scripted Grbl
// conversation back into the library as if it had arrived over the wire.
type loopbackPort struct {
	addr string
	lib  *grblmux.Library
}

func (p *loopbackPort) Write(b []byte) (int, error) {
	fmt.Printf("[%s] -> %q\n", p.addr, string(b))
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.lib.FeedSerialData(p.addr, []byte("ok\n"))
	}()
	return len(b), nil
}

func (p *loopbackPort) Close() error { return nil }

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("grblctl-demo: loading config: %v", err)
		}
		cfg = loaded
	}

	watcher := newScriptedWatcher("SN-DEMO-1", "/dev/ttyFAKE0")

	// The Opener runs once the watcher's pre-seeded DeviceAdded event reaches
	// the Registry, which can happen before Init returns; it waits on
	// libReady so that it reads lib only after the assignment below.
	var lib *grblmux.Library
	libReady := make(chan struct{})
	lib = grblmux.Init(grblmux.Options{
		Config: cfg,
		Opener: func(usbAddress, devicePort string) (serialport.Port, error) {
			<-libReady
			return &loopbackPort{addr: usbAddress, lib: lib}, nil
		},
		Watcher: watcher,
		Metrics: metrics.New(prometheus.DefaultRegisterer),
		Logger:  log.Default(),
	})
	close(libReady)
	defer lib.Close()

	client := lib.NewClient()

	time.Sleep(50 * time.Millisecond)
	lib.FeedSerialData("SN-DEMO-1", []byte("Grbl 1.1h ['$' for help]\n"))
	time.Sleep(50 * time.Millisecond)
	lib.FeedSerialData("SN-DEMO-1", []byte("[VER:1.1h.20190825:DD GG3v1.2]\nok\n"))
	time.Sleep(50 * time.Millisecond)

	fmt.Println("devices:", client.ListDevices())

	client.Subscribe("SN-DEMO-1")
	client.SendGcode("SN-DEMO-1", "G0 X1 Y1\n")

	if isInteractive() {
		runREPL(client)
	}
}

func isInteractive() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func runREPL(client *grblmux.Client) {
	fmt.Println("enter g-code lines for SN-DEMO-1, or 'quit':")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "quit" {
			return
		}
		if line == "" {
			continue
		}
		client.SendGcode("SN-DEMO-1", line+"\n")
	}
}

// scriptedWatcher holds one DeviceAdded event, queued at construction and
// delivered on the first read of Added(), standing in for a real USB hotplug
// enumerator.
type scriptedWatcher struct {
	addedCh   chan hotplug.Event
	removedCh chan hotplug.Event
}

func newScriptedWatcher(serial, port string) *scriptedWatcher {
	w := &scriptedWatcher{
		addedCh:   make(chan hotplug.Event, 1),
		removedCh: make(chan hotplug.Event, 1),
	}
	w.addedCh <- hotplug.Event{Serial: serial, Port: port}
	return w
}

func (w *scriptedWatcher) Added() <-chan hotplug.Event   { return w.addedCh }
func (w *scriptedWatcher) Removed() <-chan hotplug.Event { return w.removedCh }
func (w *scriptedWatcher) Close() error                  { return nil }
