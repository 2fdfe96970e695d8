package dmaerrors

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBenchErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  BenchError
		want string
	}{
		{
			name: "bare",
			err:  ErrIO,
			want: "IOError: descriptor artifact failure",
		},
		{
			name: "with op",
			err:  ErrResource.WithOp("create_region"),
			want: "ResourceError: engine resource failure (op: create_region)",
		},
		{
			name: "with cause",
			err:  ErrIO.WithMessage("read coordinates").Wrap(fs.ErrNotExist),
			want: "IOError: read coordinates: file does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestBenchErrorMatching(t *testing.T) {
	err := fmt.Errorf("setup: %w", ErrResource.WithOp("open").Wrap(fs.ErrPermission))

	assert.ErrorIs(t, err, ErrResource)
	assert.NotErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, fs.ErrPermission, "cause stays reachable")

	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeResource, code)

	_, ok = CodeOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestWithHelpersDoNotMutateBase(t *testing.T) {
	_ = ErrConfiguration.WithMessage("changed").WithOp("validate")

	assert.Equal(t, "invalid configuration", ErrConfiguration.Message)
	assert.Empty(t, ErrConfiguration.Op)
}
