package logging

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestSelectWriterJSON(t *testing.T) {
	w := selectWriter("json", os.Stderr)
	assert.Equal(t, os.Stderr, w)

	_, ok := selectWriter("console", os.Stderr).(zerolog.ConsoleWriter)
	assert.True(t, ok)
}
