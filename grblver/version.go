// Package grblver parses and compares Grbl firmware version strings.
//
// The line classifier hands FlowControl a raw startup banner; this package
// turns it into structured (major, minor, sub) data and answers the
// "is this firmware new enough to drive" question the Machine actor asks
// during identification. Comparison is delegated to
// github.com/hashicorp/go-version (present in _examples/madpsy-ka9q_ubersdr's
// go.mod) instead of hand-rolled integer comparison, so version ordering
// gets the library's well-tested semver-style comparator rather than a
// bespoke one.
package grblver

import (
	"fmt"
	"regexp"
	"strconv"

	hver "github.com/hashicorp/go-version"
)

// Data is the (major, minor, sub) triple the startup banner encodes.
// Grounded on grbl::VersionData in
// _examples/original_source/src/libsubtractive/protocol/Grbl.hpp (referenced
// from flowcontrol.cpp's Classifier::version()).
type Data struct {
	Major uint
	Minor uint
	Sub   byte
}

var startupPattern = regexp.MustCompile(`Grbl (\d+)\.(\d+)([a-z])`)

// Parse extracts a Data triple from a Grbl startup banner line, e.g.
// "Grbl 1.1h ['$' for help]". A failed regex match yields a zero Data rather
// than an error, and a numeric overflow leaves that one field zero; either is
// left for the caller to treat as unsupported.
func Parse(line string) Data {
	m := startupPattern.FindStringSubmatch(line)
	if m == nil {
		return Data{}
	}

	var out Data
	if major, err := strconv.ParseUint(m[1], 10, 64); err == nil {
		out.Major = uint(major)
	}
	if minor, err := strconv.ParseUint(m[2], 10, 64); err == nil {
		out.Minor = uint(minor)
	}
	if len(m[3]) > 0 {
		out.Sub = m[3][0]
	}
	return out
}

// semver renders Data as a dotted-triple go-version can parse: the sub
// letter becomes a numeric patch component (go-version requires digits)
// derived from its position in the alphabet, so "1.1h" compares correctly
// against "1.1g" without losing ordering information.
func (d Data) semver() (*hver.Version, error) {
	patch := 0
	if d.Sub != 0 {
		patch = int(d.Sub-'a') + 1
	}
	return hver.NewVersion(fmt.Sprintf("%d.%d.%d", d.Major, d.Minor, patch))
}

// Supported reports whether this firmware version is new enough for
// grblmux to drive: Grbl 0.9 or newer. Mirrors Machine::command_init_grbl's
// "if ((0 == major) && (9 > minor)) { return; }" gate, expressed as a real
// version comparison instead of the original's ad-hoc major/minor check.
func (d Data) Supported() bool {
	cur, err := d.semver()
	if err != nil {
		return false
	}
	min, err := hver.NewVersion("0.9.0")
	if err != nil {
		return false
	}
	return cur.GreaterThanOrEqual(min)
}

// String renders "major.minorSub", e.g. "1.1h".
func (d Data) String() string {
	return fmt.Sprintf("%d.%d%c", d.Major, d.Minor, orSpace(d.Sub))
}

func orSpace(b byte) byte {
	if b == 0 {
		return ' '
	}
	return b
}
