// Package testutil provides testing utilities and fixtures for dmabench
// unit and integration tests.
//
// This package centralizes common testing infrastructure to:
// - Build valid configurations without touching the real filesystem
// - Publish peer regions the way the export command does
// - Standardize on testify assertions for error codes and leaks
//
// Usage:
//
//	import (
//		"github.com/piwi3910/dmabench/internal/testutil"
//		"github.com/piwi3910/dmabench/internal/testutil/mocks"
//	)
//
//	func TestSomething(t *testing.T) {
//		engine := mocks.NewMockEngine()
//		engine.SetCreateRegionError(someError)
//
//		// Run test...
//		testutil.AssertErrorCode(t, dmaerrors.CodeResource, err)
//		testutil.AssertNoLeaks(t, engine)
//	}
package testutil

import (
	"bytes"
	"os"
	"strconv"
)

// GetEnvOrDefault returns the environment variable value or a default if not set.
// This is useful for configurable test parameters like iteration counts.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvIntOrDefault is GetEnvOrDefault for integer parameters.
func GetEnvIntOrDefault(key string, defaultValue int) int {
	n, err := strconv.Atoi(GetEnvOrDefault(key, ""))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

// Pattern returns size bytes of c.
func Pattern(size int, c byte) []byte {
	return bytes.Repeat([]byte{c}, size)
}
