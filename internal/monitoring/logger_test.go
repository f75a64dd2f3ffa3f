package monitoring

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamsRouteByLevel(t *testing.T) {
	var ops, diag, trace bytes.Buffer
	s := &Streams{prefix: "[test] "}
	s.Set(LogWriters{Ops: &ops, Diag: &diag, Trace: &trace})

	s.Opsf("restart %d", 1)
	s.Diagf("overlap")
	s.Tracef("packet")

	// Prefix, then the date and microsecond time, then the message.
	assert.Regexp(t, `^\[test\] \d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}\.\d{6} restart 1\n$`, ops.String())
	assert.Contains(t, diag.String(), "overlap")
	assert.Contains(t, trace.String(), "packet")
	assert.NotContains(t, ops.String(), "packet")
}

func TestStreamsNilWritersAreSilent(t *testing.T) {
	s := &Streams{prefix: "[test] "}
	s.Set(LogWriters{})
	assert.False(t, s.Enabled(LevelOps))
	assert.NotPanics(t, func() { s.Opsf("nothing") })
}

func TestConfigureReachesRegisteredStreams(t *testing.T) {
	// Not parallel: Configure is process-wide.
	s := NewStreams("[configured] ")
	var buf bytes.Buffer
	Configure(LogWriters{Ops: &buf})
	defer Configure(LogWriters{})

	s.Opsf("hello")
	assert.Regexp(t, logLine("[configured] ", "hello"), buf.String())

	late := NewStreams("[late] ")
	late.Opsf("also")
	assert.Regexp(t, logLine("[late] ", "also"), buf.String())
}

func TestParseLevelAndWriters(t *testing.T) {
	tests := map[string]Level{
		"ops": LevelOps, "": LevelOps, "warn": LevelOps,
		"Diag": LevelDiag, "info": LevelDiag,
		"trace": LevelTrace, "debug": LevelTrace,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)

	var buf bytes.Buffer
	w := WritersForLevel(&buf, LevelDiag)
	assert.NotNil(t, w.Ops)
	assert.NotNil(t, w.Diag)
	assert.Nil(t, w.Trace)
}

// logLine matches one line written by a Streams logger.
func logLine(prefix, msg string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(prefix) + `\S+ \S+ ` + regexp.QuoteMeta(msg) + `$`)
}
