package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/dmabench/internal/testutil/mocks"
	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

// AssertErrorCode asserts that err carries the given classification.
func AssertErrorCode(t *testing.T, expected dmaerrors.Code, err error) {
	t.Helper()

	require.Error(t, err, "expected an error")

	code, ok := dmaerrors.CodeOf(err)
	require.True(t, ok, "error should be classified: %v", err)
	assert.Equal(t, expected, code, "error code should match: %v", err)
}

// AssertNoLeaks asserts that every context, region and buffer the mock
// handed out was given back.
func AssertNoLeaks(t *testing.T, engine *mocks.MockEngine) {
	t.Helper()

	contexts, regions, buffers := engine.Live()
	assert.Zero(t, contexts, "open contexts")
	assert.Zero(t, regions, "live regions")
	assert.Zero(t, buffers, "live buffers")
}

// RequireEventually waits for a condition to become true within a timeout.
// Fails the test immediately if the condition is not met.
func RequireEventually(t *testing.T, condition func() bool, timeout, tick time.Duration, msgAndArgs ...interface{}) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for {
		if condition() {
			return
		}

		if time.Now().After(deadline) {
			require.Fail(t, "condition not met within timeout", msgAndArgs...)
			return
		}

		time.Sleep(tick)
	}
}

// AssertSliceContains asserts that a slice contains all expected elements.
func AssertSliceContains[T comparable](t *testing.T, slice []T, expected ...T) {
	t.Helper()

	for _, e := range expected {
		found := false

		for _, s := range slice {
			if s == e {
				found = true
				break
			}
		}

		assert.True(t, found, "slice should contain %v", e)
	}
}
