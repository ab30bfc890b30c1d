package apperrors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpstreamErrorRateLimited(t *testing.T) {
	assert.True(t, (&UpstreamError{Status: 429}).RateLimited())
	assert.True(t, (&UpstreamError{Status: 400, Code: "rate_limit_exceeded"}).RateLimited())
	assert.False(t, (&UpstreamError{Status: 500}).RateLimited())
}

func TestUpstreamErrorHasQuota(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{
			name: "remaining tokens in details",
			body: `{"error":{"code":"rate_limit_exceeded","details":{"remainingTokens":12}}}`,
			want: true,
		},
		{
			name: "remaining queries exhausted",
			body: `{"error":{"code":"rate_limit_exceeded","details":{"remainingQueries":0}}}`,
			want: false,
		},
		{
			name: "unlimited marker",
			body: `{"error":{"details":{"remainingTokens":-1}}}`,
			want: true,
		},
		{
			name: "details list",
			body: `{"error":{"details":[{"remainingTokens":0},{"remainingQueries":3}]}}`,
			want: true,
		},
		{
			name: "bare details object",
			body: `{"remainingTokens":5}`,
			want: true,
		},
		{
			name: "no quota info",
			body: `{"error":{"message":"slow down"}}`,
			want: false,
		},
		{
			name: "not json",
			body: "too many requests",
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &UpstreamError{Status: 429, Body: tt.body}
			assert.Equal(t, tt.want, err.HasQuota())
		})
	}
}

func TestToAPIErrorMapping(t *testing.T) {
	status, _ := Envelope(&UpstreamError{Status: 429, Body: "{}"})
	assert.Equal(t, http.StatusTooManyRequests, status)

	status, _ = Envelope(&UpstreamError{Status: 503, Body: "{}"})
	assert.Equal(t, http.StatusBadGateway, status)

	status, _ = Envelope(&StreamTimeoutError{Stage: "idle", Seconds: 120})
	assert.Equal(t, http.StatusGatewayTimeout, status)

	status, _ = Envelope(&CircuitOpenError{})
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = Envelope(fmt.Errorf("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestStreamTimeoutCode(t *testing.T) {
	require.Equal(t, "stream_first_timeout", (&StreamTimeoutError{Stage: "first"}).Code())
	require.Equal(t, "stream_total_timeout", (&StreamTimeoutError{Stage: "total"}).Code())
}

func TestNoTokensError(t *testing.T) {
	err := NewNoTokensError()
	assert.Equal(t, http.StatusTooManyRequests, err.Status)
	assert.Equal(t, "rate_limit_exceeded", err.Code)
}
