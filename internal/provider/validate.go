// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package provider

import (
	"context"
	"io"
	"net/http"
	"strconv"

	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

// Names of the supported providers.
const (
	NameAnthropic = "anthropic"
	NameOpenAI    = "openai"
	NameGoogle    = "google"
)

// CheckKey makes a lightweight HTTP call to the provider's models endpoint to
// confirm the credential works. baseURL overrides the provider default when
// non-empty (useful against a mock server).
//
// A 401 or 403 is a definite verdict: (false, nil). Any other failure mode is
// ambiguous and comes back as an error, so callers never cache it.
func CheckKey(ctx context.Context, client *http.Client, name, key, baseURL string) (bool, error) {
	var (
		url     string
		headers map[string]string
	)

	switch name {
	case NameAnthropic:
		url = "https://api.anthropic.com/v1/models"
		headers = map[string]string{
			"x-api-key":         key,
			"anthropic-version": "2023-06-01",
		}
	case NameOpenAI:
		url = "https://api.openai.com/v1/models"
		headers = map[string]string{
			"Authorization": "Bearer " + key,
		}
	case NameGoogle:
		// Google's Generative Language API authenticates via query parameter.
		// Note: the key will appear in HTTP proxy/CDN access logs.
		url = "https://generativelanguage.googleapis.com/v1/models?key=" + key
	default:
		return false, kerrors.Errorf(kerrors.CodeProviderNotFound, "unknown provider: %s", name)
	}

	if baseURL != "" {
		switch name {
		case NameGoogle:
			url = baseURL + "/v1/models?key=" + key
		default:
			url = baseURL + "/v1/models"
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, kerrors.Wrap(err, kerrors.CodeProviderKeyCheckFailed,
			"building validation request", kerrors.FieldProvider(name))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, kerrors.Wrap(err, kerrors.CodeProviderNetworkFailure,
			"key validation request failed", kerrors.FieldProvider(name))
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		fields := []kerrors.Attr{
			kerrors.FieldProvider(name),
			kerrors.FieldStatus(resp.StatusCode),
		}
		if secs, ok := ParseRetryAfter(resp.Header.Get("Retry-After")); ok {
			fields = append(fields, kerrors.FieldRetryAfter(secs))
		}
		return false, kerrors.New(kerrors.CodeProviderRateLimited,
			"key check rate limited", fields...)
	case resp.StatusCode >= 400:
		return false, kerrors.New(kerrors.CodeProviderKeyCheckFailed,
			"key check failed",
			kerrors.FieldProvider(name), kerrors.FieldStatus(resp.StatusCode))
	}

	return true, nil
}

// ParseRetryAfter handles the delay-seconds form of the Retry-After header.
func ParseRetryAfter(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return secs, true
}
