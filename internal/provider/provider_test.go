// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package provider_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dev/kestrel/internal/provider"
	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

func TestCollect_DoneCarriesFullText(t *testing.T) {
	ch := make(chan provider.StreamEvent, 3)
	ch <- provider.StreamEvent{Type: provider.EventTextDelta, Text: "hel"}
	ch <- provider.StreamEvent{Type: provider.EventTextDelta, Text: "lo"}
	ch <- provider.StreamEvent{Type: provider.EventDone, Text: "hello"}
	close(ch)

	got, err := provider.Collect(ch)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestCollect_ErrorEvent(t *testing.T) {
	boom := errors.New("boom")
	ch := make(chan provider.StreamEvent, 2)
	ch <- provider.StreamEvent{Type: provider.EventTextDelta, Text: "partial"}
	ch <- provider.StreamEvent{Type: provider.EventError, Err: boom}
	close(ch)

	_, err := provider.Collect(ch)
	assert.ErrorIs(t, err, boom)
}

func TestCollect_ClosedWithoutTerminalEvent(t *testing.T) {
	ch := make(chan provider.StreamEvent, 1)
	ch <- provider.StreamEvent{Type: provider.EventTextDelta, Text: "partial"}
	close(ch)

	got, err := provider.Collect(ch)
	require.NoError(t, err)
	assert.Equal(t, "partial", got, "accumulated deltas stand in for a missing done event")
}

func TestCollect_EmptyStream(t *testing.T) {
	ch := make(chan provider.StreamEvent)
	close(ch)

	_, err := provider.Collect(ch)
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeProviderStreamFailure))
}

func TestMergeOptions(t *testing.T) {
	defaults := provider.CallOptions{MaxTokens: 4096}

	merged := provider.MergeOptions(defaults, []provider.CallOption{
		provider.WithMaxTokens(512),
		provider.WithTemperature(0.7),
	})
	assert.Equal(t, 512, merged.MaxTokens)
	require.NotNil(t, merged.Temperature)
	assert.InDelta(t, 0.7, float64(*merged.Temperature), 1e-6)

	// No options: defaults pass through untouched.
	merged = provider.MergeOptions(defaults, nil)
	assert.Equal(t, 4096, merged.MaxTokens)
	assert.Nil(t, merged.Temperature)
}

func TestValidateMessages(t *testing.T) {
	err := provider.ValidateMessages(nil)
	require.Error(t, err)
	assert.True(t, kerrors.IsInvalidInput(err))

	err = provider.ValidateMessages([]provider.Message{{Role: "robot", Content: "hi"}})
	require.Error(t, err)
	assert.True(t, kerrors.IsInvalidInput(err))

	err = provider.ValidateMessages([]provider.Message{
		{Role: provider.RoleSystem, Content: "be brief"},
		{Role: provider.RoleUser, Content: "hi"},
		{Role: provider.RoleAssistant, Content: "hello"},
	})
	assert.NoError(t, err)
}

type stubProvider struct {
	provider.Provider
	name string
}

func (s stubProvider) Name() string { return s.name }

func TestRegistry(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(stubProvider{name: "openai"})
	reg.Register(stubProvider{name: "anthropic"})

	got, err := reg.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", got.Name())

	_, err = reg.Get("mistral")
	require.Error(t, err)
	assert.True(t, kerrors.IsNotFound(err))

	assert.Equal(t, []string{"anthropic", "openai"}, reg.Names())
}
