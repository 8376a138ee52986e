// Package protocol defines the wire-stable vocabulary shared by every actor
// in grblmux: the Command tag enumeration, the Message/Request/Queued/Pending
// shapes moved between actors, and the static per-command SendFlags table.
//
// Grounded on _examples/original_source/include/libsubtractive/libsubtractive.hpp
// (the Command byte values) and src/libsubtractive/communication/flowcontrol.cpp
// (the SendFlags table), translated from a C++ enum class + flat_map into a Go
// byte-backed type and a map built once at init and never written again (see
// flags.go).
package protocol

// Tag is the wire-stable command/event discriminator. Values are fixed and
// must not be renumbered — they are the public ABI.
type Tag uint8

const (
	Invalid Tag = 0

	// Client-facing requests/replies.
	ListDevices   Tag = 1
	Subscribe     Tag = 2
	Unsubscribe   Tag = 3
	SendGcode     Tag = 4
	ExecuteProgram Tag = 5

	GrblHelp            Tag = 6
	GrblStatus          Tag = 7
	GrblSettings        Tag = 8
	GrblVersion         Tag = 9
	GrblHome            Tag = 10
	GrblParams          Tag = 11
	GrblParserState     Tag = 12
	GrblStartupBlocks   Tag = 13
	GrblCheckModeToggle Tag = 14
	GrblResetAlarm      Tag = 15
	GrblSoftReset       Tag = 16
	GrblCycleToggle     Tag = 17
	GrblFeedHold        Tag = 18
	GrblJogCancel       Tag = 19

	// Client-facing push notifications / replies.
	ResponseReceived  Tag = 123
	NowExecuting      Tag = 124
	PushDeviceRemoved Tag = 125
	PushDeviceAdded   Tag = 126
	ListDevicesReply  Tag = 127

	// Internal events.
	GrblPushReceived  Tag = 248
	DeviceIsSupported Tag = 249
	EnableFlowControl Tag = 250
	DataReceived      Tag = 251
	InitGrbl          Tag = 252
	USBDeviceRemoved  Tag = 253
	USBDeviceAdded    Tag = 254
	Shutdown          Tag = 255

	// AlarmRaised is not part of the original ABI: it is grblmux's resolution
	// of the FlowController's documented FIXME to relay an alarm to its
	// parent. It rides the same internal-event space as the other
	// non-ABI-breaking additions.
	AlarmRaised Tag = 246
	// CommandRejected is a structured failure reply sent to the
	// originating subscriber instead of silently dropping a pre-Grbl command.
	CommandRejected Tag = 247
)

// GrblCommandTags lists the fourteen Grbl-specific command tags, in the same
// order the original's `commands_` table lists them.
var GrblCommandTags = [...]Tag{
	GrblHelp, GrblStatus, GrblSettings, GrblVersion, GrblHome,
	GrblParams, GrblParserState, GrblStartupBlocks, GrblCheckModeToggle,
	GrblResetAlarm, GrblSoftReset, GrblCycleToggle, GrblFeedHold, GrblJogCancel,
}

func (t Tag) String() string {
	switch t {
	case Invalid:
		return "Invalid"
	case ListDevices:
		return "ListDevices"
	case Subscribe:
		return "Subscribe"
	case Unsubscribe:
		return "Unsubscribe"
	case SendGcode:
		return "SendGcode"
	case ExecuteProgram:
		return "ExecuteProgram"
	case GrblHelp:
		return "GrblHelp"
	case GrblStatus:
		return "GrblStatus"
	case GrblSettings:
		return "GrblSettings"
	case GrblVersion:
		return "GrblVersion"
	case GrblHome:
		return "GrblHome"
	case GrblParams:
		return "GrblParams"
	case GrblParserState:
		return "GrblParserState"
	case GrblStartupBlocks:
		return "GrblStartupBlocks"
	case GrblCheckModeToggle:
		return "GrblCheckModeToggle"
	case GrblResetAlarm:
		return "GrblResetAlarm"
	case GrblSoftReset:
		return "GrblSoftReset"
	case GrblCycleToggle:
		return "GrblCycleToggle"
	case GrblFeedHold:
		return "GrblFeedHold"
	case GrblJogCancel:
		return "GrblJogCancel"
	case ResponseReceived:
		return "ResponseReceived"
	case NowExecuting:
		return "NowExecuting"
	case PushDeviceRemoved:
		return "PushDeviceRemoved"
	case PushDeviceAdded:
		return "PushDeviceAdded"
	case ListDevicesReply:
		return "ListDevicesReply"
	case GrblPushReceived:
		return "GrblPushReceived"
	case DeviceIsSupported:
		return "DeviceIsSupported"
	case EnableFlowControl:
		return "EnableFlowControl"
	case DataReceived:
		return "DataReceived"
	case InitGrbl:
		return "InitGrbl"
	case USBDeviceRemoved:
		return "USBDeviceRemoved"
	case USBDeviceAdded:
		return "USBDeviceAdded"
	case Shutdown:
		return "Shutdown"
	case AlarmRaised:
		return "AlarmRaised"
	case CommandRejected:
		return "CommandRejected"
	default:
		return "Unknown"
	}
}
