package nvproxy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDurationUnmarshalsGoDurationString(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"30s"`), &d))
	require.Equal(t, Duration(30*time.Second), d)
}

func TestDurationUnmarshalsRawNanoseconds(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`1500000000`), &d))
	require.Equal(t, Duration(1500*time.Millisecond), d)
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	require.Error(t, json.Unmarshal([]byte(`"not-a-duration"`), &d))
}

func TestInstanceIDIsStable(t *testing.T) {
	t.Setenv("NVPROXY_DATA_DIR", t.TempDir())
	first, err := InstanceID()
	require.NoError(t, err)
	second, err := InstanceID()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestMarkExitingIsIdempotent(t *testing.T) {
	// Exiting/MarkExiting share process-wide state; only assert the
	// monotonic "first call wins" contract rather than the absolute
	// starting value, since other tests in this package may run first.
	before := Exiting()
	first := MarkExiting()
	second := MarkExiting()
	require.True(t, first || before, "MarkExiting should report true on its first successful call")
	require.False(t, second)
	require.True(t, Exiting())
}
