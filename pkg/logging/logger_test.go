package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger(t *testing.T) {
	t.Run("json_format_with_fields", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(&buf, "debug", "json").WithComponent("wal").WithPath("/tmp/x.wal")
		l.Debug("replayed", "frames", 3)
		out := buf.String()
		assert.Contains(t, out, `"component":"wal"`)
		assert.Contains(t, out, `"frames":3`)
		assert.Contains(t, out, `"path":"/tmp/x.wal"`)
	})

	t.Run("level_filters_output", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(&buf, "warn", "text")
		l.Info("hidden")
		l.Warn("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("nil_logger_is_noop", func(t *testing.T) {
		var l *Logger
		assert.NotPanics(t, func() { l.OrNoop().Error("ignored") })
	})

	t.Run("parse_level", func(t *testing.T) {
		assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
		assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	})
}
