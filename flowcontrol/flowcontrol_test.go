package flowcontrol

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostgunner/grblmux/errcode"
	"github.com/ghostgunner/grblmux/protocol"
	"github.com/ghostgunner/grblmux/serialport"
)

func newTestController(t *testing.T) (*Controller, chan Outbound, chan ToParent) {
	t.Helper()
	toSerial := make(chan Outbound, 16)
	toParent := make(chan ToParent, 16)
	c := New(Config{
		USBAddress:  "SN1",
		MailboxSize: 16,
		ToSerial:    toSerial,
		ToParent:    toParent,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c, toSerial, toParent
}

func recvOutbound(t *testing.T, ch chan Outbound) Outbound {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(time.Second):
		require.Fail(t, "timed out waiting for outbound write")
		return Outbound{}
	}
}

func recvParent(t *testing.T, ch chan ToParent) ToParent {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		require.Fail(t, "timed out waiting for parent message")
		return ToParent{}
	}
}

func assertNoOutbound(t *testing.T, ch chan Outbound) {
	t.Helper()
	select {
	case o := <-ch:
		require.Failf(t, "unexpected outbound write", "%q", o.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

// Budget throttling: three 50-byte SendGcode requests against the default
// 127-byte limit admit exactly two; the third transmits only once a
// response frees budget.
func TestBudgetThrottling(t *testing.T) {
	c, toSerial, _ := newTestController(t)
	c.EnableFlowControl()
	time.Sleep(20 * time.Millisecond)

	payload := bytes.Repeat([]byte("a"), 50)
	for i := 0; i < 3; i++ {
		c.SendCh() <- SendRequest{Tag: protocol.SendGcode, Payload: append([]byte(nil), payload...)}
	}

	first := recvOutbound(t, toSerial)
	second := recvOutbound(t, toSerial)
	assert.Equal(t, payload, first.Payload)
	assert.Equal(t, payload, second.Payload)
	assertNoOutbound(t, toSerial)

	c.DataCh() <- serialport.Line{Text: "ok"}
	third := recvOutbound(t, toSerial)
	assert.Equal(t, payload, third.Payload)
}

// Alarm latch: once ALARM:1 arrives, GrblHelp is rejected with a structured
// CommandRejected reply, not a silent drop, until GrblResetAlarm clears the
// alarm.
func TestAlarmLatch(t *testing.T) {
	c, toSerial, toParent := newTestController(t)
	c.EnableFlowControl()
	time.Sleep(20 * time.Millisecond)

	c.DataCh() <- serialport.Line{Text: "ALARM:1"}
	alarmMsg := recvParent(t, toParent)
	assert.Equal(t, protocol.AlarmRaised, alarmMsg.Tag)

	helpPayload, _ := protocol.WirePayload(protocol.GrblHelp)
	c.SendCh() <- SendRequest{Tag: protocol.GrblHelp, Payload: helpPayload}

	rejected := recvParent(t, toParent)
	assert.Equal(t, protocol.CommandRejected, rejected.Tag)
	assert.Equal(t, string(errcode.AlarmActive), string(rejected.Args[2]))
	assertNoOutbound(t, toSerial)

	resetPayload, _ := protocol.WirePayload(protocol.GrblResetAlarm)
	c.SendCh() <- SendRequest{Tag: protocol.GrblResetAlarm, Payload: resetPayload}
	reset := recvOutbound(t, toSerial)
	assert.Equal(t, resetPayload, reset.Payload)

	c.DataCh() <- serialport.Line{Text: "ok"}
	time.Sleep(20 * time.Millisecond)

	c.SendCh() <- SendRequest{Tag: protocol.GrblHelp, Payload: helpPayload}
	help := recvOutbound(t, toSerial)
	assert.Equal(t, helpPayload, help.Payload)
}

// Realtime interleave: a GrblStatus realtime command transmits immediately
// alongside an in-flight planned command, and a status frame pairs with the
// realtime slot, not the planned one.
func TestRealtimeInterleave(t *testing.T) {
	c, toSerial, toParent := newTestController(t)
	c.EnableFlowControl()
	time.Sleep(20 * time.Millisecond)

	planned := bytes.Repeat([]byte("b"), 40)
	c.SendCh() <- SendRequest{Tag: protocol.SendGcode, Payload: planned}
	recvOutbound(t, toSerial)

	statusPayload, _ := protocol.WirePayload(protocol.GrblStatus)
	c.SendCh() <- SendRequest{Tag: protocol.GrblStatus, Payload: statusPayload}
	status := recvOutbound(t, toSerial)
	assert.Equal(t, statusPayload, status.Payload)

	c.DataCh() <- serialport.Line{Text: "<Idle|MPos:0,0,0|FS:0,0>"}
	resp := recvParent(t, toParent)
	assert.Equal(t, protocol.ResponseReceived, resp.Tag)
	assert.Equal(t, byte(protocol.GrblStatus), resp.Args[1][0])

	// The planned command is still outstanding: its own response must
	// still pair correctly once it arrives.
	c.DataCh() <- serialport.Line{Text: "ok"}
	resp2 := recvParent(t, toParent)
	assert.Equal(t, protocol.ResponseReceived, resp2.Tag)
	assert.Equal(t, byte(protocol.SendGcode), resp2.Args[1][0])
}

// Reconnect flushes state: a synthetic reconnect (triggered by
// USBDeviceRemoved) clears outgoing, incoming, used and realtime, and
// deactivates flow control.
func TestReconnectFlushesState(t *testing.T) {
	c, toSerial, _ := newTestController(t)
	c.EnableFlowControl()
	time.Sleep(20 * time.Millisecond)

	payload := bytes.Repeat([]byte("c"), 40)
	for i := 0; i < 3; i++ {
		c.SendCh() <- SendRequest{Tag: protocol.SendGcode, Payload: append([]byte(nil), payload...)}
	}
	recvOutbound(t, toSerial)
	recvOutbound(t, toSerial)
	time.Sleep(20 * time.Millisecond)

	c.USBDeviceRemoved()
	time.Sleep(20 * time.Millisecond)

	assert.False(t, c.active)
	assert.Equal(t, 0, c.used)
	assert.Equal(t, 0, c.incoming.Len())
	assert.Equal(t, 0, c.outgoing.Len())
	assert.Nil(t, c.realtime)
}

// used never exceeds limit even when commands are admitted back to back.
func TestBudgetNeverExceedsLimit(t *testing.T) {
	c, toSerial, _ := newTestController(t)
	c.EnableFlowControl()
	time.Sleep(20 * time.Millisecond)

	payload := bytes.Repeat([]byte("d"), 127)
	c.SendCh() <- SendRequest{Tag: protocol.SendGcode, Payload: payload}
	recvOutbound(t, toSerial)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 127, c.used)

	c.SendCh() <- SendRequest{Tag: protocol.SendGcode, Payload: []byte("e")}
	assertNoOutbound(t, toSerial)
	assert.LessOrEqual(t, c.used, c.limit)
}

// While inactive, queues never accumulate — sends pass straight through.
func TestInactivePassesThroughWithoutQueueing(t *testing.T) {
	c, toSerial, _ := newTestController(t)

	c.SendCh() <- SendRequest{Tag: protocol.SendGcode, Payload: []byte("G0 X1\n")}
	out := recvOutbound(t, toSerial)
	assert.Equal(t, []byte("G0 X1\n"), out.Payload)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.incoming.Len())
	assert.Equal(t, 0, c.outgoing.Len())
}
