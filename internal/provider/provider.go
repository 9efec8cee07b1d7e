// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

// Package provider defines the canonical contract the gateway exposes over
// heterogeneous AI text-generation services, and the resilience pipeline
// every adapter call is routed through.
package provider

import (
	"context"

	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

// Provider is the canonical contract over one external AI service.
type Provider interface {
	Name() string
	Model() string
	SetModel(model string)
	// SendMessage sends a conversation and returns the full response text.
	SendMessage(ctx context.Context, msgs []Message, systemPrompt string, opts ...CallOption) (string, error)
	// StreamMessage delivers the response as a lazy, finite, non-restartable
	// sequence of events: zero or more text deltas terminated by exactly one
	// done event (carrying the full accumulated text) or one error event.
	// The channel is closed after the terminal event.
	StreamMessage(ctx context.Context, msgs []Message, systemPrompt string, opts ...CallOption) (<-chan StreamEvent, error)
	// ValidateKey checks the configured credential against the service.
	// A verifiably bad credential yields (false, nil); ambiguous outcomes
	// (rate limiting, outages) yield an error.
	ValidateKey(ctx context.Context) (bool, error)
}

// Role identifies a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CallOptions are the per-call knobs merged over adapter defaults.
type CallOptions struct {
	MaxTokens   int
	Temperature *float32
}

// CallOption mutates CallOptions.
type CallOption func(*CallOptions)

// WithMaxTokens caps the response size for one call.
func WithMaxTokens(n int) CallOption {
	return func(o *CallOptions) { o.MaxTokens = n }
}

// WithTemperature sets the sampling temperature for one call.
func WithTemperature(t float32) CallOption {
	return func(o *CallOptions) { o.Temperature = &t }
}

// MergeOptions applies opts over a copy of defaults.
func MergeOptions(defaults CallOptions, opts []CallOption) CallOptions {
	merged := defaults
	for _, opt := range opts {
		opt(&merged)
	}
	return merged
}

// EventType classifies a StreamEvent.
type EventType string

const (
	EventTextDelta EventType = "text_delta"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// StreamEvent is one element of a streamed response.
type StreamEvent struct {
	Type EventType
	// Text carries the delta for text_delta events and the full accumulated
	// response for the done event.
	Text string
	Err  error
}

// Collect drains a stream into the call-style (text, error) shape. The error
// carried by an error event is the same error a non-streaming call would
// surface, so either consumption style sees consistent information.
func Collect(ch <-chan StreamEvent) (string, error) {
	var full string
	for ev := range ch {
		switch ev.Type {
		case EventDone:
			return ev.Text, nil
		case EventError:
			return "", ev.Err
		case EventTextDelta:
			full += ev.Text
		}
	}
	if full != "" {
		// Closed without a terminal event: treat what arrived as final.
		return full, nil
	}
	return "", kerrors.New(kerrors.CodeProviderStreamFailure, "stream ended without completion")
}

// ValidateMessages rejects conversations no service would accept.
func ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return kerrors.New(kerrors.CodeProviderRequestInvalid, "messages must not be empty")
	}
	for i, m := range msgs {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return kerrors.Errorf(kerrors.CodeProviderRequestInvalid,
				"message %d has unsupported role %q", i, m.Role)
		}
	}
	return nil
}
