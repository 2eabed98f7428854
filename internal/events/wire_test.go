package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runlens/runlens/internal/run"
)

// TestWireRoundTripStepCompleted exercises the codec path used by remote
// sources, including the nested result record.
func TestWireRoundTripStepCompleted(t *testing.T) {
	t.Parallel()

	in := Event{
		Channel: ChanStepCompleted,
		RunID:   "r1",
		TS:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload: StepCompleted{
			StepID:             "step-0",
			Result:             run.StepResult{Status: "pass", Duration: 250 * time.Millisecond},
			ProgressPercentage: 33,
		},
	}
	data, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.NoError(t, out.Validate())
}

// TestWirePerfStartedHasNoPayload ensures the one payload-less channel stays
// payload-less through the codec.
func TestWirePerfStartedHasNoPayload(t *testing.T) {
	t.Parallel()

	data, err := Marshal(Event{Channel: ChanPerfStarted, RunID: "r1", TS: time.Now().UTC()})
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	require.Nil(t, out.Payload)
}

// TestWireUnknownChannelRejected keeps out-of-schema traffic from entering
// the bus as an untyped payload.
func TestWireUnknownChannelRejected(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte(`{"channel":"perf-exploded","run_id":"r1","ts":"2025-06-01T12:00:00Z"}`))
	require.Error(t, err)
}

// TestWireMalformedPayloadRejected ensures a payload that fails to decode is
// surfaced as an error rather than a zero-valued event.
func TestWireMalformedPayloadRejected(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte(`{"channel":"perf-progress","run_id":"r1","ts":"2025-06-01T12:00:00Z","payload":"nope"}`))
	require.Error(t, err)
}
