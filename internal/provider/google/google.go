// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

// Package google adapts the Google Gemini API to the provider contract.
package google

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"google.golang.org/genai"

	"github.com/kestrel-dev/kestrel/internal/provider"
	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

const defaultModel = "gemini-2.5-flash"

// Config holds Google adapter configuration.
type Config struct {
	APIKey    string
	BaseURL   string // optional, useful for testing against a mock server
	Model     string
	MaxTokens int
}

// Provider implements provider.Provider using the Google Gemini API.
type Provider struct {
	client     *genai.Client
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
			"google: missing api_key in config", kerrors.FieldProvider(provider.NameGoogle))
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.CodeProviderAPIFailure,
			"google: creating client", kerrors.FieldProvider(provider.NameGoogle))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &Provider{
		client:     client,
		cfg:        cfg,
		pipeline:   pipe,
		httpClient: &http.Client{},
		model:      model,
	}, nil
}

func (p *Provider) Name() string { return provider.NameGoogle }

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
	contents, genCfg, err := p.buildRequest(msgs, systemPrompt, opts)
	if err != nil {
		return "", err
	}
	model := p.Model()

	return p.pipeline.Do(ctx, provider.OpSendMessage, func(ctx context.Context) (string, error) {
		resp, err := p.client.Models.GenerateContent(ctx, model, contents, genCfg)
		if err != nil {
			return "", classify(err)
		}
		text := resp.Text()
		if text == "" {
			return "", kerrors.New(kerrors.CodeProviderResponseInvalid,
				"google: response contained no text", kerrors.FieldProvider(provider.NameGoogle))
		}
		return text, nil
	})
}

func (p *Provider) StreamMessage(ctx context.Context, msgs []provider.Message, systemPrompt string, opts ...provider.CallOption) (<-chan provider.StreamEvent, error) {
	contents, genCfg, err := p.buildRequest(msgs, systemPrompt, opts)
	if err != nil {
		return nil, err
	}
	model := p.Model()

	// Gemini streaming is not wired up: the response is fetched whole and
	// replayed as a single delta so stream consumers see the usual event
	// sequence.
	return p.pipeline.DoStream(ctx, provider.OpStreamMessage, func(ctx context.Context) (<-chan provider.StreamEvent, error) {
		ch := make(chan provider.StreamEvent, 2)
		go func() {
			defer close(ch)
			resp, err := p.client.Models.GenerateContent(ctx, model, contents, genCfg)
			if err != nil {
				ch <- provider.StreamEvent{Type: provider.EventError, Err: classify(err)}
				return
			}
			text := resp.Text()
			if text == "" {
				ch <- provider.StreamEvent{Type: provider.EventError, Err: kerrors.New(
					kerrors.CodeProviderResponseInvalid,
					"google: response contained no text", kerrors.FieldProvider(provider.NameGoogle))}
				return
			}
			ch <- provider.StreamEvent{Type: provider.EventTextDelta, Text: text}
			ch <- provider.StreamEvent{Type: provider.EventDone, Text: text}
		}()
		return ch, nil
	})
}

func (p *Provider) ValidateKey(ctx context.Context) (bool, error) {
	return p.pipeline.DoValidate(ctx, p.cfg.APIKey, func(ctx context.Context) (bool, error) {
		return provider.CheckKey(ctx, p.httpClient, provider.NameGoogle, p.cfg.APIKey, p.cfg.BaseURL)
	})
}

// buildRequest converts the canonical conversation into genai contents and
// config. Gemini uses "model" for assistant turns and carries the system
// prompt as SystemInstruction rather than a message.
func (p *Provider) buildRequest(msgs []provider.Message, systemPrompt string, opts []provider.CallOption) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	if err := provider.ValidateMessages(msgs); err != nil {
		return nil, nil, err
	}

	merged := provider.MergeOptions(provider.CallOptions{MaxTokens: p.cfg.MaxTokens}, opts)

	var contents []*genai.Content
	var systemParts []string
	if systemPrompt != "" {
		systemParts = append(systemParts, systemPrompt)
	}
	for _, msg := range msgs {
		switch msg.Role {
		case provider.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		case provider.RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		case provider.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		}
	}

	genCfg := &genai.GenerateContentConfig{}
	if merged.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(merged.MaxTokens)
	}
	if merged.Temperature != nil {
		genCfg.Temperature = genai.Ptr(*merged.Temperature)
	}
	if len(systemParts) > 0 {
		var parts []*genai.Part
		for _, s := range systemParts {
			parts = append(parts, &genai.Part{Text: s})
		}
		genCfg.SystemInstruction = &genai.Content{Parts: parts}
	}

	return contents, genCfg, nil
}

// classify maps SDK errors onto gateway error codes.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apierr genai.APIError
	if errors.As(err, &apierr) {
		fields := []kerrors.Attr{
			kerrors.FieldProvider(provider.NameGoogle),
			kerrors.FieldStatus(apierr.Code),
		}
		switch {
		case apierr.Code == http.StatusUnauthorized || apierr.Code == http.StatusForbidden:
			return kerrors.Wrap(err, kerrors.CodeProviderAuthUnauthorized, "google: authentication failed", fields...)
		case apierr.Code == http.StatusTooManyRequests:
			return kerrors.Wrap(err, kerrors.CodeProviderRateLimited, "google: rate limited", fields...)
		case apierr.Code == http.StatusBadRequest:
			return kerrors.Wrap(err, kerrors.CodeProviderRequestInvalid, "google: request rejected", fields...)
		default:
			return kerrors.Wrap(err, kerrors.CodeProviderAPIFailure, "google: api error", fields...)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return kerrors.Wrap(err, kerrors.CodeProviderNetworkFailure,
		"google: request failed", kerrors.FieldProvider(provider.NameGoogle))
}
