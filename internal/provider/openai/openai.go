// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

// Package openai adapts the OpenAI Chat Completions API to the provider
// contract.
package openai

import (
	"context"
	"errors"
	"net/http"
	"sync"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/kestrel-dev/kestrel/internal/provider"
	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

const defaultModel = "gpt-4.1"

// Config holds OpenAI adapter configuration.
type Config struct {
	APIKey    string
	BaseURL   string // optional, useful for testing against a mock server
	Model     string
	MaxTokens int
}

// Provider implements provider.Provider using the OpenAI Chat Completions API.
type Provider struct {
	client     openaisdk.Client
	cfg        Config
	pipeline   *provider.Pipeline
	httpClient *http.Client

	mu    sync.RWMutex
	model string
}

// New builds the adapter. All calls route through pipe.
func New(cfg Config, pipe *provider.Pipeline) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, kerrors.New(kerrors.CodeProviderRequestInvalid,
			"openai: missing api_key in config", kerrors.FieldProvider(provider.NameOpenAI))
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// The pipeline owns retry policy; the SDK must not retry underneath it.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &Provider{
		client:     openaisdk.NewClient(opts...),
		cfg:        cfg,
		pipeline:   pipe,
		httpClient: &http.Client{},
		model:      model,
	}, nil
}

func (p *Provider) Name() string { return provider.NameOpenAI }

func (p *Provider) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *Provider) SetModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = model
}

func (p *Provider) SendMessage(ctx context.Context, msgs []provider.Message, systemPrompt string, opts ...provider.CallOption) (string, error) {
	params, err := p.buildParams(msgs, systemPrompt, opts, false)
	if err != nil {
		return "", err
	}

	return p.pipeline.Do(ctx, provider.OpSendMessage, func(ctx context.Context) (string, error) {
		resp, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", classify(err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			return "", kerrors.New(kerrors.CodeProviderResponseInvalid,
				"openai: response contained no text", kerrors.FieldProvider(provider.NameOpenAI))
		}
		return resp.Choices[0].Message.Content, nil
	})
}

func (p *Provider) StreamMessage(ctx context.Context, msgs []provider.Message, systemPrompt string, opts ...provider.CallOption) (<-chan provider.StreamEvent, error) {
	params, err := p.buildParams(msgs, systemPrompt, opts, true)
	if err != nil {
		return nil, err
	}

	return p.pipeline.DoStream(ctx, provider.OpStreamMessage, func(ctx context.Context) (<-chan provider.StreamEvent, error) {
		ch := make(chan provider.StreamEvent, 100)
		go func() {
			defer close(ch)
			p.streamLoop(ctx, params, ch)
		}()
		return ch, nil
	})
}

func (p *Provider) ValidateKey(ctx context.Context) (bool, error) {
	return p.pipeline.DoValidate(ctx, p.cfg.APIKey, func(ctx context.Context) (bool, error) {
		return provider.CheckKey(ctx, p.httpClient, provider.NameOpenAI, p.cfg.APIKey, p.cfg.BaseURL)
	})
}

// buildParams converts the canonical conversation into SDK params. The system
// prompt is prepended as a system message, OpenAI's convention.
func (p *Provider) buildParams(msgs []provider.Message, systemPrompt string, opts []provider.CallOption, streaming bool) (openaisdk.ChatCompletionNewParams, error) {
	if err := provider.ValidateMessages(msgs); err != nil {
		return openaisdk.ChatCompletionNewParams{}, err
	}

	merged := provider.MergeOptions(provider.CallOptions{MaxTokens: p.cfg.MaxTokens}, opts)

	var converted []openaisdk.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		converted = append(converted, openaisdk.SystemMessage(systemPrompt))
	}
	for _, msg := range msgs {
		switch msg.Role {
		case provider.RoleUser:
			converted = append(converted, openaisdk.UserMessage(msg.Content))
		case provider.RoleAssistant:
			converted = append(converted, openaisdk.AssistantMessage(msg.Content))
		case provider.RoleSystem:
			converted = append(converted, openaisdk.SystemMessage(msg.Content))
		}
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.Model()),
		Messages: converted,
	}
	if streaming {
		params.StreamOptions = openaisdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		}
	}
	if merged.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(merged.MaxTokens))
	}
	if merged.Temperature != nil {
		params.Temperature = param.NewOpt(float64(*merged.Temperature))
	}

	return params, nil
}

// streamLoop converts SDK chunks into provider.StreamEvent values.
func (p *Provider) streamLoop(ctx context.Context, params openaisdk.ChatCompletionNewParams, ch chan<- provider.StreamEvent) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	var full string
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				full += choice.Delta.Content
				ch <- provider.StreamEvent{Type: provider.EventTextDelta, Text: choice.Delta.Content}
			}
		}
	}

	if err := stream.Err(); err != nil {
		ch <- provider.StreamEvent{Type: provider.EventError, Err: classify(err)}
		return
	}

	ch <- provider.StreamEvent{Type: provider.EventDone, Text: full}
}

// classify maps SDK errors onto gateway error codes.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apierr *openaisdk.Error
	if errors.As(err, &apierr) {
		fields := []kerrors.Attr{
			kerrors.FieldProvider(provider.NameOpenAI),
			kerrors.FieldStatus(apierr.StatusCode),
		}
		switch {
		case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
			return kerrors.Wrap(err, kerrors.CodeProviderAuthUnauthorized, "openai: authentication failed", fields...)
		case apierr.StatusCode == http.StatusTooManyRequests:
			if apierr.Response != nil {
				if secs, ok := provider.ParseRetryAfter(apierr.Response.Header.Get("Retry-After")); ok {
					fields = append(fields, kerrors.FieldRetryAfter(secs))
				}
			}
			return kerrors.Wrap(err, kerrors.CodeProviderRateLimited, "openai: rate limited", fields...)
		case apierr.StatusCode == http.StatusBadRequest:
			return kerrors.Wrap(err, kerrors.CodeProviderRequestInvalid, "openai: request rejected", fields...)
		default:
			return kerrors.Wrap(err, kerrors.CodeProviderAPIFailure, "openai: api error", fields...)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return kerrors.Wrap(err, kerrors.CodeProviderNetworkFailure,
		"openai: request failed", kerrors.FieldProvider(provider.NameOpenAI))
}
