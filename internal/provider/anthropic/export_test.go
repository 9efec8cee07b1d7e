// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package anthropic

import (
	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/kestrel-dev/kestrel/internal/provider"
)

var (
	Classify    = classify
	ExtractText = extractText
)

func (p *Provider) BuildParams(msgs []provider.Message, systemPrompt string, opts []provider.CallOption) (anthropicsdk.MessageNewParams, error) {
	return p.buildParams(msgs, systemPrompt, opts)
}
