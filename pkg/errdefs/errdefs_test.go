package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsKind(t *testing.T) {
	err := WithOutput(ErrInstallFailure, "npm install", "ERR! 404", 1)

	assert.True(t, errors.Is(err, ErrInstallFailure))
	assert.False(t, errors.Is(err, ErrCommandTimeout))
	assert.Equal(t, "ERR! 404", Output(err))
	assert.Contains(t, err.Error(), "exit code 1")
}

func TestErrorWrapped(t *testing.T) {
	cause := errors.New("socket missing")
	err := fmt.Errorf("starting dev server: %w", New(ErrBootFailure, "boot", cause))

	assert.True(t, IsBootFailure(err))
	assert.True(t, errors.Is(err, cause))
	assert.Empty(t, Output(err))
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "timeout", err: WithOutput(ErrCommandTimeout, "build", "", 0), want: true},
		{name: "other kind", err: WithOutput(ErrCommandFailure, "build", "", 2), want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTimeout(tt.err))
		})
	}
}
