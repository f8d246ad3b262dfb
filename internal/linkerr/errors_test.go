package linkerr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinkError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "matches sentinel by kind",
			err:    New(ConnectTimeout, "Tukey", "no answer"),
			target: ErrConnectTimeout,
			want:   true,
		},
		{
			name:   "does not match other kind",
			err:    New(ConnectTimeout, "Tukey", ""),
			target: ErrConnectFailed,
			want:   false,
		},
		{
			name:   "matches through wrapping",
			err:    Wrap(ConnectFailed, "Tukey", errors.New("att error")),
			target: ErrConnectFailed,
			want:   true,
		},
		{
			name:   "nil error never matches",
			err:    (*LinkError)(nil),
			target: ErrNotConnected,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestWrap_KeepsCause(t *testing.T) {
	err := Wrap(ConnectTimeout, "Tukey", context.DeadlineExceeded)

	assert.ErrorIs(t, err, ErrConnectTimeout, "MUST match the classified kind")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "MUST keep the original cause")

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, ConnectTimeout, kind)
}

func TestLinkError_Error(t *testing.T) {
	assert.Equal(t, "not connected", ErrNotConnected.Error())
	assert.Equal(t, `discovery timeout: "Pochiru"`, New(DiscoveryTimeout, "Pochiru", "").Error())
	assert.Equal(t, `connect failed: "Pochiru": att error`, New(ConnectFailed, "Pochiru", "att error").Error())
	assert.Equal(t, "<nil>", (*LinkError)(nil).Error())
}
