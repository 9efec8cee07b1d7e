// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package google

import (
	"google.golang.org/genai"

	"github.com/kestrel-dev/kestrel/internal/provider"
)

var Classify = classify

func (p *Provider) BuildRequest(msgs []provider.Message, systemPrompt string, opts []provider.CallOption) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	return p.buildRequest(msgs, systemPrompt, opts)
}
