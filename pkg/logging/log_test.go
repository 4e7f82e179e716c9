package logging_test

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/replicate/mget/pkg/logging"
)

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	for level, expected := range map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bananas": zerolog.InfoLevel,
	} {
		logging.SetLevel(level)
		assert.Equal(t, expected, zerolog.GlobalLevel(), level)
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	logging.SetupLoggerTo(&buf)
	t.Cleanup(logging.SetupLogger)

	logger := logging.Component("mirror")
	logger.Info().Str("host", "mirror.example").Msg("Registered")

	out := buf.String()
	assert.Contains(t, out, "| INFO  |")
	assert.Contains(t, out, "[ Registered ]")
	assert.Contains(t, out, "component=mirror")
	assert.Contains(t, out, "host=mirror.example")
}
