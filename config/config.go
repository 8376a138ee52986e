// Package config loads grblmux's process-wide configuration.
//
// Grounded on _examples/jangala-dev-devicecode-go's services/config package
// (load-then-apply shape), generalized from that repo's embedded-JSON
// lookup to a file-based YAML document — the format
// _examples/madpsy-ka9q_ubersdr loads its own configuration from, via
// gopkg.in/yaml.v3.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Options mirrors the public C ABI's LS_options: the one knob
// init_context takes. default_options() returns Options{InitUSB:true}.
type Options struct {
	InitUSB bool `yaml:"init_usb"`
}

// DefaultOptions is the Go analogue of libsubtractive_default_options().
func DefaultOptions() Options {
	return Options{InitUSB: true}
}

// Config is grblmux's full process configuration: the ABI-level Options
// plus the tunables the original hard-coded (limit=127, mailbox sizing)
// that a deployment may reasonably want to override for a non-stock Grbl
// build while keeping the default identical to stock behavior.
type Config struct {
	Options Options `yaml:"options"`

	// Serial is informational/override-only: Grbl's wire settings are
	// fixed at 115200-8-N-1 and grblmux never negotiates anything else,
	// but a caller's concrete serialport.Port implementation may want to
	// read these back to configure the tty it opens.
	Serial SerialDefaults `yaml:"serial"`

	// FlowControl tunables. BudgetBytes defaults to 127 (the in-flight
	// receive-buffer budget); MailboxSize defaults to 32.
	FlowControl FlowControlDefaults `yaml:"flow_control"`
}

type SerialDefaults struct {
	BaudRate int `yaml:"baud_rate"`
	DataBits int `yaml:"data_bits"`
	StopBits int `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

type FlowControlDefaults struct {
	BudgetBytes int `yaml:"budget_bytes"`
	MailboxSize int `yaml:"mailbox_size"`
}

// Default returns grblmux's out-of-the-box configuration.
func Default() Config {
	return Config{
		Options: DefaultOptions(),
		Serial: SerialDefaults{
			BaudRate: 115200,
			DataBits: 8,
			StopBits: 1,
			Parity:   "none",
		},
		FlowControl: FlowControlDefaults{
			BudgetBytes: 127,
			MailboxSize: 32,
		},
	}
}

// Load reads and parses a YAML config file, filling any field the document
// omits from Default().
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
