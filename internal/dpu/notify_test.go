package dpu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shortWait = 20 * time.Millisecond

func TestNotifierRequiresArm(t *testing.T) {
	n, err := newEventNotifier()
	require.NoError(t, err)
	defer n.Close()

	n.signal()
	assert.ErrorIs(t, n.Wait(shortWait), ErrWaitTimeout, "disarmed notifier must not wake")

	require.NoError(t, n.Arm())
	assert.NoError(t, n.Wait(shortWait), "pending signal wakes on arm")
}

func TestNotifierIsOneShot(t *testing.T) {
	n, err := newEventNotifier()
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Arm())
	n.signal()
	require.NoError(t, n.Wait(shortWait))

	n.signal()
	assert.ErrorIs(t, n.Wait(shortWait), ErrWaitTimeout, "second wake needs a re-arm")

	require.NoError(t, n.Clear())
	require.NoError(t, n.Arm())
	assert.ErrorIs(t, n.Wait(shortWait), ErrWaitTimeout, "cleared signals do not wake")
}

func TestNotifierDelayedSignal(t *testing.T) {
	n, err := newEventNotifier()
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Arm())
	n.signalAfter(5 * time.Millisecond)

	assert.NoError(t, n.Wait(time.Second))
}

func TestNotifierClose(t *testing.T) {
	n, err := newEventNotifier()
	require.NoError(t, err)

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	assert.ErrorIs(t, n.Arm(), ErrNotifierClosed)
	assert.ErrorIs(t, n.Clear(), ErrNotifierClosed)
	assert.ErrorIs(t, n.Wait(shortWait), ErrNotifierClosed)

	n.signal()
}
