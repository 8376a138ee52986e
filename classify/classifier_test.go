package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_SingleLineRules(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Type
	}{
		{"empty", "", Empty},
		{"alarm", "ALARM:1", Alarm},
		{"startup 0.9", "Grbl 0.9g ['$' for help]", Startup},
		{"startup 1.1", "Grbl 1.1h [help:'$']", Startup},
		{"push", "[MSG:Reset to continue]", Push},
		{"status", "<Idle|MPos:0.000,0.000,0.000|FS:0,0>", Status},
		{"response ok", "ok", Response},
		{"response error", "error:9", Response},
		{"unknown", "garbage line", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Classifier{}
			got := c.Classify(tt.line)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_HelpModeMultiline(t *testing.T) {
	c := &Classifier{}
	c.StartMultiline()

	assert.Equal(t, Multiline, c.Classify("$0=10 (step pulse, usec)"))
	assert.Equal(t, Multiline, c.Classify("$1=25 (step idle delay, msec)"))
	assert.Equal(t, MultilineDone, c.Classify("ok"))

	// Once MultilineDone has flipped mode back to Normal, a fresh "ok" is a
	// plain Response.
	assert.Equal(t, Response, c.Classify("ok"))
}

func TestClassify_HelpModePushAndErrorAreMultiline(t *testing.T) {
	c := &Classifier{}
	c.StartMultiline()

	assert.Equal(t, Multiline, c.Classify("[HLP:$$ $# $G $I $N $x=val $Nx=line]"))
	assert.Equal(t, MultilineDone, c.Classify("error:1"))
}

func TestClassify_DumpDrainsAndClearsBuffer(t *testing.T) {
	c := &Classifier{}
	c.StartMultiline()
	c.Classify("$0=10")
	c.Classify("$1=25")
	c.Classify("ok")

	lines := c.Dump()
	require.Len(t, lines, 3)
	assert.Equal(t, "$0=10", string(lines[0]))
	assert.Equal(t, "$1=25", string(lines[1]))
	assert.Equal(t, "ok", string(lines[2]))

	assert.Empty(t, c.Dump())
}

func TestClassify_AlarmAndStartupClearBuffer(t *testing.T) {
	c := &Classifier{}
	c.StartMultiline()
	c.Classify("$0=10")
	c.Classify("ALARM:1")

	lines := c.Dump()
	require.Len(t, lines, 1)
	assert.Equal(t, "ALARM:1", string(lines[0]))

	c.StartMultiline()
	c.Classify("$1=25")
	c.Classify("Grbl 1.1h [help:'$']")

	lines = c.Dump()
	require.Len(t, lines, 1)
	assert.Equal(t, "Grbl 1.1h [help:'$']", string(lines[0]))
}

func TestClassify_EmptyLineDoesNotTouchBuffer(t *testing.T) {
	c := &Classifier{}
	c.Classify("Grbl 1.1h [help:'$']")
	c.Classify("")

	lines := c.Dump()
	require.Len(t, lines, 1)
	assert.Equal(t, "Grbl 1.1h [help:'$']", string(lines[0]))
}
