// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

// Package anthropic adapts the Anthropic Messages API to the provider
// contract.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kestrel-dev/kestrel/internal/provider"
	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096
)

// Config holds Anthropic adapter configuration. Exactly one of APIKey or
// OAuthToken must be set.
type Config struct {
	APIKey     string
	OAuthToken string
	BaseURL    string // optional, useful for testing against a mock server
	Model      string
	MaxTokens  int
}

// Provider implements provider.Provider using the Anthropic Messages API.
type Provider struct {
	client     anthropicsdk.Client
	cfg        Config
	pipeline   *provider.Pipeline
	httpClient *http.Client

	mu    sync.RWMutex
	model string
}

// New builds the adapter. All calls route through pipe.
func New(cfg Config, pipe *provider.Pipeline) (*Provider, error) {
	if cfg.APIKey == "" && cfg.OAuthToken == "" {
		return nil, kerrors.New(kerrors.CodeProviderRequestInvalid,
			"anthropic: api_key or oauth_token required", kerrors.FieldProvider(provider.NameAnthropic))
	}
	if cfg.APIKey != "" && cfg.OAuthToken != "" {
		return nil, kerrors.New(kerrors.CodeProviderOAuthInvalid,
			"anthropic: api_key and oauth_token are mutually exclusive", kerrors.FieldProvider(provider.NameAnthropic))
	}

	// The pipeline owns retry policy; the SDK must not retry underneath it.
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	} else {
		opts = append(opts, option.WithAuthToken(cfg.OAuthToken))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &Provider{
		client:     anthropicsdk.NewClient(opts...),
		cfg:        cfg,
		pipeline:   pipe,
		httpClient: &http.Client{},
		model:      model,
	}, nil
}

func (p *Provider) Name() string { return provider.NameAnthropic }

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
	params, err := p.buildParams(msgs, systemPrompt, opts)
	if err != nil {
		return "", err
	}

	return p.pipeline.Do(ctx, provider.OpSendMessage, func(ctx context.Context) (string, error) {
		resp, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return "", classify(err)
		}
		return extractText(resp)
	})
}

func (p *Provider) StreamMessage(ctx context.Context, msgs []provider.Message, systemPrompt string, opts ...provider.CallOption) (<-chan provider.StreamEvent, error) {
	params, err := p.buildParams(msgs, systemPrompt, opts)
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
	credential := p.cfg.APIKey
	if credential == "" {
		credential = p.cfg.OAuthToken
	}

	return p.pipeline.DoValidate(ctx, credential, func(ctx context.Context) (bool, error) {
		return provider.CheckKey(ctx, p.httpClient, provider.NameAnthropic, credential, p.cfg.BaseURL)
	})
}

// buildParams converts the canonical conversation into SDK MessageNewParams.
// System-role messages fold into the top-level system param.
func (p *Provider) buildParams(msgs []provider.Message, systemPrompt string, opts []provider.CallOption) (anthropicsdk.MessageNewParams, error) {
	if err := provider.ValidateMessages(msgs); err != nil {
		return anthropicsdk.MessageNewParams{}, err
	}

	merged := provider.MergeOptions(provider.CallOptions{MaxTokens: p.cfg.MaxTokens}, opts)
	if merged.MaxTokens <= 0 {
		merged.MaxTokens = defaultMaxTokens
	}

	var converted []anthropicsdk.MessageParam
	var systemParts []string
	if systemPrompt != "" {
		systemParts = append(systemParts, systemPrompt)
	}
	for _, msg := range msgs {
		switch msg.Role {
		case provider.RoleUser:
			converted = append(converted, anthropicsdk.NewUserMessage(
				anthropicsdk.NewTextBlock(msg.Content),
			))
		case provider.RoleAssistant:
			converted = append(converted, anthropicsdk.NewAssistantMessage(
				anthropicsdk.NewTextBlock(msg.Content),
			))
		case provider.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		}
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(p.Model()),
		Messages:  converted,
		MaxTokens: int64(merged.MaxTokens),
	}
	if len(systemParts) > 0 {
		params.System = []anthropicsdk.TextBlockParam{
			{Text: strings.Join(systemParts, "\n\n")},
		}
	}
	if merged.Temperature != nil {
		params.Temperature = anthropicsdk.Float(float64(*merged.Temperature))
	}

	return params, nil
}

func extractText(resp *anthropicsdk.Message) (string, error) {
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", kerrors.New(kerrors.CodeProviderResponseInvalid,
			"anthropic: response contained no text", kerrors.FieldProvider(provider.NameAnthropic))
	}
	return sb.String(), nil
}

// streamLoop converts SDK stream events into provider.StreamEvent values.
func (p *Provider) streamLoop(ctx context.Context, params anthropicsdk.MessageNewParams, ch chan<- provider.StreamEvent) {
	stream := p.client.Messages.NewStreaming(ctx, params)

	var full strings.Builder
	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" {
				full.WriteString(event.Delta.Text)
				ch <- provider.StreamEvent{Type: provider.EventTextDelta, Text: event.Delta.Text}
			}
		case "message_stop":
			ch <- provider.StreamEvent{Type: provider.EventDone, Text: full.String()}
			return
		}
	}

	if err := stream.Err(); err != nil {
		ch <- provider.StreamEvent{Type: provider.EventError, Err: classify(err)}
		return
	}

	// Exited without a message_stop: still report completion.
	ch <- provider.StreamEvent{Type: provider.EventDone, Text: full.String()}
}

// classify maps SDK errors onto gateway error codes so the retry executor
// can tell transient failures from permanent ones.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apierr *anthropicsdk.Error
	if errors.As(err, &apierr) {
		fields := []kerrors.Attr{
			kerrors.FieldProvider(provider.NameAnthropic),
			kerrors.FieldStatus(apierr.StatusCode),
		}
		switch {
		case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
			return kerrors.Wrap(err, kerrors.CodeProviderAuthUnauthorized, "anthropic: authentication failed", fields...)
		case apierr.StatusCode == http.StatusTooManyRequests:
			if secs, ok := retryAfterHeader(apierr.Response); ok {
				fields = append(fields, kerrors.FieldRetryAfter(secs))
			}
			return kerrors.Wrap(err, kerrors.CodeProviderRateLimited, "anthropic: rate limited", fields...)
		case apierr.StatusCode == http.StatusBadRequest:
			return kerrors.Wrap(err, kerrors.CodeProviderRequestInvalid, "anthropic: request rejected", fields...)
		default:
			return kerrors.Wrap(err, kerrors.CodeProviderAPIFailure, "anthropic: api error", fields...)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return kerrors.Wrap(err, kerrors.CodeProviderNetworkFailure,
		"anthropic: request failed", kerrors.FieldProvider(provider.NameAnthropic))
}

func retryAfterHeader(resp *http.Response) (int, bool) {
	if resp == nil {
		return 0, false
	}
	return provider.ParseRetryAfter(resp.Header.Get("Retry-After"))
}
