// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package openai

import (
	openaisdk "github.com/openai/openai-go"

	"github.com/kestrel-dev/kestrel/internal/provider"
)

var Classify = classify

func (p *Provider) BuildParams(msgs []provider.Message, systemPrompt string, opts []provider.CallOption, streaming bool) (openaisdk.ChatCompletionNewParams, error) {
	return p.buildParams(msgs, systemPrompt, opts, streaming)
}
