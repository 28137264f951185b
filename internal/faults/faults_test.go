package faults

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryableClassifiesSentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"tripped", ErrTripped, false},
		{"shutdown", ErrShutdown, false},
		{"prerequisite", ErrPrerequisite, false},
		{"validation", ErrValidation, false},
		{"config", ErrConfig, false},
		{"fatal", ErrFatal, false},
		{"transient", ErrTransient, true},
		{"timeout", ErrTimeout, true},
		{"rate limited", ErrRateLimited, true},
		{"wrapped transient", fmt.Errorf("worker: %w", ErrTransient), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func TestRetryableClassifiesNetworkErrors(t *testing.T) {
	timeoutErr := &net.DNSError{Err: "timeout", IsTimeout: true}
	require.True(t, Retryable(timeoutErr))

	connRefused := &net.OpError{Op: "dial", Err: fmt.Errorf("connection refused")}
	require.True(t, Retryable(connRefused))

	require.False(t, Retryable(fmt.Errorf("some unclassified failure")))
}

func TestCategoryLabelsEachSentinel(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{ErrTripped, "circuit_breaker_open"},
		{ErrRateLimited, "rate_limited"},
		{ErrTimeout, "timeout"},
		{ErrPrerequisite, "prerequisite"},
		{ErrValidation, "validation"},
		{ErrShutdown, "shutdown"},
		{ErrConfig, "config"},
		{ErrFatal, "fatal"},
		{ErrTransient, "transient"},
		{fmt.Errorf("unclassified"), "unknown"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Category(tc.err))
	}
}
