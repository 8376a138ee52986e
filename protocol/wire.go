package protocol

// WirePayload returns the exact on-wire byte sequence Grbl expects for one
// of the fourteen Grbl-specific command tags. The Machine actor injects
// these bytes; callers never supply their own payload for these tags (only
// SendGcode carries a caller-supplied payload).
//
// Grounded on the `commands_` map literal in
// _examples/original_source/src/libsubtractive/machine.cpp.
func WirePayload(tag Tag) ([]byte, bool) {
	switch tag {
	case GrblHelp:
		return []byte("$\n"), true
	case GrblSettings:
		return []byte("$$\n"), true
	case GrblVersion:
		return []byte("$I\n"), true
	case GrblHome:
		return []byte("$H\n"), true
	case GrblParams:
		return []byte("$#\n"), true
	case GrblParserState:
		return []byte("$G\n"), true
	case GrblStartupBlocks:
		return []byte("$N\n"), true
	case GrblCheckModeToggle:
		return []byte("$C\n"), true
	case GrblResetAlarm:
		return []byte("$X\n"), true
	case GrblStatus:
		return []byte("?"), true
	case GrblCycleToggle:
		return []byte("~"), true
	case GrblFeedHold:
		return []byte("!"), true
	case GrblJogCancel:
		return []byte{0x85}, true
	case GrblSoftReset:
		return []byte{0x18}, true
	default:
		return nil, false
	}
}

// ClearsAlarm reports whether a command tag is one of the two that clear a
// latched FlowController alarm.
func ClearsAlarm(tag Tag) bool {
	return tag == GrblSoftReset || tag == GrblResetAlarm
}
