// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package provider_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dev/kestrel/internal/provider"
	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

func TestCheckKey_ValidKey(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("x-api-key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	valid, err := provider.CheckKey(context.Background(), srv.Client(), provider.NameAnthropic, "sk-ant-test", srv.URL)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, "sk-ant-test", gotHeader)
}

func TestCheckKey_BearerHeaderForOpenAI(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	valid, err := provider.CheckKey(context.Background(), srv.Client(), provider.NameOpenAI, "sk-test", srv.URL)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, "Bearer sk-test", gotHeader)
}

func TestCheckKey_GoogleKeyInQuery(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	valid, err := provider.CheckKey(context.Background(), srv.Client(), provider.NameGoogle, "AIza-test", srv.URL)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, "AIza-test", gotKey)
}

func TestCheckKey_UnauthorizedIsDefiniteVerdict(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		valid, err := provider.CheckKey(context.Background(), srv.Client(), provider.NameOpenAI, "sk-bad", srv.URL)
		require.NoError(t, err, "HTTP %d is a verdict, not an error", status)
		assert.False(t, valid)
		srv.Close()
	}
}

func TestCheckKey_RateLimitedIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := provider.CheckKey(context.Background(), srv.Client(), provider.NameAnthropic, "sk-ant-test", srv.URL)
	require.Error(t, err)
	assert.True(t, kerrors.IsRateLimited(err))

	retryAfter, ok := kerrors.RetryAfterOf(err)
	require.True(t, ok)
	assert.Equal(t, 17*time.Second, retryAfter)
}

func TestCheckKey_ServerErrorIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := provider.CheckKey(context.Background(), srv.Client(), provider.NameOpenAI, "sk-test", srv.URL)
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeProviderKeyCheckFailed))
	assert.Equal(t, http.StatusInternalServerError, kerrors.StatusOf(err))
}

func TestCheckKey_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused

	_, err := provider.CheckKey(context.Background(), http.DefaultClient, provider.NameOpenAI, "sk-test", srv.URL)
	require.Error(t, err)
	assert.True(t, kerrors.IsNetwork(err))
}

func TestCheckKey_UnknownProvider(t *testing.T) {
	_, err := provider.CheckKey(context.Background(), http.DefaultClient, "mistral", "key", "")
	require.Error(t, err)
	assert.True(t, kerrors.IsNotFound(err))
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"17", 17, true},
		{"0", 0, true},
		{"", 0, false},
		{"-3", 0, false},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0, false}, // HTTP-date form unsupported
	}
	for _, tt := range tests {
		got, ok := provider.ParseRetryAfter(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		if ok {
			assert.Equal(t, tt.want, got, "input %q", tt.in)
		}
	}
}
