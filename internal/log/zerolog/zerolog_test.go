package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	loglib "tableauetl/internal/log"
)

func TestLogger_WithFieldsMergesIntoEvents(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zl := NewLogger(&Config{LogLevel: "debug", Out: &buf, JSON: true})
	l := NewStdLogger(zl).WithFields(loglib.Fields{loglib.ModuleField: "engine"})

	l.Warn(errors.New("boom"), "write failed", loglib.Fields{"rows": 75, loglib.TableField: "sales"})

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "warn", got["level"])
	require.Equal(t, "write failed", got["message"])
	require.Equal(t, "engine", got[loglib.ModuleField])
	require.Equal(t, "sales", got[loglib.TableField])
	require.Equal(t, float64(75), got["rows"])
	require.Equal(t, "boom", got["error.message"])
}

func TestLogger_LevelFilters(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewStdLogger(NewLogger(&Config{LogLevel: "info", Out: &buf, JSON: true}))
	l.Debug("hidden")
	require.Zero(t, buf.Len())

	l.Info("shown")
	require.Contains(t, buf.String(), "shown")
}
