package shutdown_test

import (
	"errors"
	"testing"

	"github.com/piwi3910/dmabench/internal/shutdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestStackUnwindsInReverseOrder(t *testing.T) {
	s := shutdown.NewStack("test")

	var order []string

	for _, name := range []string{"context", "local-region", "remote-region", "pool"} {
		s.Push(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	assert.Equal(t, 4, s.Len())
	require.NoError(t, s.Unwind())

	want := []string{"pool", "remote-region", "local-region", "context"}
	assert.Equal(t, want, order)
	assert.Equal(t, want, s.Released())
	assert.Zero(t, s.Len())
}

func TestStackUnwindIsIdempotent(t *testing.T) {
	s := shutdown.NewStack("test")

	calls := 0
	s.Push("context", func() error {
		calls++
		return nil
	})

	require.NoError(t, s.Unwind())
	require.NoError(t, s.Unwind())
	assert.Equal(t, 1, calls)

	s.Push("notifier", func() error {
		calls++
		return nil
	})
	require.NoError(t, s.Unwind())
	assert.Equal(t, 2, calls)
}

func TestStackAggregatesErrorsAndContinues(t *testing.T) {
	s := shutdown.NewStack("test")

	errPool := errors.New("pool busy")
	errCtx := errors.New("context not idle")

	var order []string

	s.Push("context", func() error {
		order = append(order, "context")
		return errCtx
	})
	s.Push("region", func() error {
		order = append(order, "region")
		return nil
	})
	s.Push("pool", func() error {
		order = append(order, "pool")
		return errPool
	})

	err := s.Unwind()
	require.Error(t, err)
	assert.ErrorIs(t, err, errPool)
	assert.ErrorIs(t, err, errCtx)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, []string{"pool", "region", "context"}, order)
}

func TestStackNestedUnwindIsIgnored(t *testing.T) {
	s := shutdown.NewStack("test")

	var nested error

	s.Push("outer", func() error {
		assert.True(t, s.IsUnwinding())
		nested = s.Unwind()

		return nil
	})

	require.NoError(t, s.Unwind())
	assert.NoError(t, nested)
	assert.False(t, s.IsUnwinding())
}
