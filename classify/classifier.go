// Package classify implements the Line Classifier: a pure
// function object that tags one inbound serial line and accumulates the
// lines belonging to the response currently being parsed. It performs no
// I/O and owns no concurrency of its own — it is called from inside the
// FlowController's single-threaded loop.
//
// Grounded on FlowControl::Classifier in
// _examples/original_source/src/libsubtractive/communication/flowcontrol.cpp,
// translated from a stateful C++ operator() into a small Go struct with an
// equivalent method, the way _examples/jangala-dev-devicecode-go's adaptors
// (e.g. services/hal/gpio_util.go) keep small, synchronous, side-effect-free
// helpers beside the stateful actor that calls them.
package classify

// Type is the classification outcome for one line.
type Type uint8

const (
	Empty Type = iota
	Startup
	Response
	Push
	Status
	Multiline
	MultilineDone
	Alarm
	Unknown
)

func (t Type) String() string {
	switch t {
	case Empty:
		return "Empty"
	case Startup:
		return "Startup"
	case Response:
		return "Response"
	case Push:
		return "Push"
	case Status:
		return "Status"
	case Multiline:
		return "Multiline"
	case MultilineDone:
		return "MultilineDone"
	case Alarm:
		return "Alarm"
	default:
		return "Unknown"
	}
}

type mode uint8

const (
	modeNormal mode = iota
	modeHelp
)

// Classifier holds the small growable line buffer FlowControl owns
// exclusively: never shared across actors.
type Classifier struct {
	mode   mode
	buffer [][]byte
}

// Classify evaluates the recognition rules in order, first match wins. line
// must already have its trailing newline stripped.
func (c *Classifier) Classify(line string) Type {
	switch {
	case len(line) == 0:
		return Empty

	case hasPrefix(line, "ALARM"):
		c.mode = modeNormal
		c.reset()
		c.append(line)
		return Alarm

	case hasPrefix(line, "Grbl"):
		c.mode = modeNormal
		c.reset()
		c.append(line)
		return Startup

	case hasPrefix(line, "[") && hasSuffix(line, "]"):
		if c.mode == modeHelp {
			c.append(line)
			return Multiline
		}
		c.mode = modeNormal
		c.reset()
		c.append(line)
		return Push

	case hasPrefix(line, "<") && hasSuffix(line, ">"):
		// The original source hard-codes Type::Startup here even though
		// its own reaction table has a dedicated Status case that's
		// therefore dead code. grblmux classifies this as a real Status
		// type instead.
		c.mode = modeNormal
		c.reset()
		c.append(line)
		return Status

	case hasPrefix(line, "ok") || hasPrefix(line, "error:"):
		if c.mode == modeHelp {
			c.mode = modeNormal
			c.append(line)
			return MultilineDone
		}
		c.mode = modeNormal
		c.reset()
		c.append(line)
		return Response

	default:
		if c.mode == modeHelp {
			c.append(line)
			return Multiline
		}
		c.append(line)
		return Unknown
	}
}

// StartMultiline switches into help/multiline accumulation mode. Called by
// the FlowController right after it admits a command whose SendFlags carry
// protocol.Multiline.
func (c *Classifier) StartMultiline() { c.mode = modeHelp }

// Reset clears the accumulation buffer without touching mode.
func (c *Classifier) Reset() { c.buffer = c.buffer[:0] }

func (c *Classifier) reset() { c.buffer = c.buffer[:0] }

func (c *Classifier) append(line string) {
	c.buffer = append(c.buffer, []byte(line))
}

// Dump drains the accumulated lines as a slice of byte frames and clears the
// buffer, mirroring FlowControl::Classifier::dump.
func (c *Classifier) Dump() [][]byte {
	out := c.buffer
	c.buffer = nil
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
