// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeProviderNetworkFailure   Code = "provider.network.failure"
	CodeProviderAuthUnauthorized Code = "provider.auth.unauthorized"
	CodeProviderOAuthInvalid     Code = "provider.auth.oauth_invalid"
	CodeProviderRateLimited      Code = "provider.rate.limited"
	CodeProviderAPIFailure       Code = "provider.api.failure"
	CodeProviderRequestInvalid   Code = "provider.request.invalid"
	CodeProviderResponseInvalid  Code = "provider.response.invalid"
	CodeProviderStreamFailure    Code = "provider.stream.failure"
	CodeProviderKeyInvalid       Code = "provider.key.invalid"
	CodeProviderKeyCheckFailed   Code = "provider.key.check_failed"
	CodeProviderNotFound         Code = "provider.registry.not_found"

	CodeResilienceTimeout        Code = "resilience.timeout"
	CodeResilienceRetryExhausted Code = "resilience.retry.exhausted"
	CodeResilienceCircuitOpen    Code = "resilience.circuit.open"
	CodeResilienceRateLimited    Code = "resilience.rate.limited"
	CodeResilienceConfigInvalid  Code = "resilience.config.invalid_value"

	CodeRecoveryExhausted     Code = "recovery.retry.exhausted"
	CodeRecoveryNothingStored Code = "recovery.replay.not_found"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerEntityNotFound  Code = "server.entity.not_found"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"

	CodeCLIInputInvalid   Code = "cli.input.invalid"
	CodeCLISetupFailure   Code = "cli.setup.failure"
	CodeCLIRequestFailure Code = "cli.request.failure"
)

// Keys for structured fields the resilience layer classifies on.
const (
	keyHTTPStatus = "http_status"
	keyRetryAfter = "retry_after_s"
	keyAttempts   = "attempts"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func FieldOperation(value string) Attr {
	return Field("operation", value)
}

func FieldChannel(value string) Attr {
	return Field("channel", value)
}

// FieldStatus attaches the upstream HTTP status code. Retry classification
// reads it back via StatusOf.
func FieldStatus(status int) Attr {
	return Field(keyHTTPStatus, status)
}

// FieldRetryAfter attaches a provider-supplied retry hint in whole seconds.
func FieldRetryAfter(seconds int) Attr {
	return Field(keyRetryAfter, seconds)
}

// FieldAttempts attaches the attempt count on a retry-exhausted error.
func FieldAttempts(n int) Attr {
	return Field(keyAttempts, n)
}

// codedError pins the code and fields chosen at wrap time. oops getters
// aggregate deepest-first across a chain, so re-wrapping an already-coded
// error (retry exhaustion over a provider failure) would otherwise report
// the inner classification. errors.As stops at the shallowest match, which
// makes the outermost wrap authoritative.
type codedError struct {
	code   Code
	fields map[string]any
	err    error
}

func (e *codedError) Error() string { return e.err.Error() }

func (e *codedError) Unwrap() error { return e.err }

func New(code Code, msg string, fields ...Attr) error {
	return &codedError{
		code:   code,
		fields: fieldMap(fields),
		err:    oops.Code(code).With(flatten(fields)...).New(msg),
	}
}

func Errorf(code Code, format string, args ...any) error {
	return &codedError{
		code: code,
		err:  oops.Code(code).Errorf(format, args...),
	}
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return &codedError{
		code:   code,
		fields: fieldMap(fields),
		err:    oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg),
	}
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &codedError{
		code: code,
		err:  oops.Code(code).Wrapf(err, format, args...),
	}
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return &codedError{
		code:   code,
		fields: fieldMap(fields),
		err:    oops.Code(code).With(flatten(fields)...).Wrap(err),
	}
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var coded *codedError
	if stderrors.As(err, &coded) {
		return coded.code
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

// FieldsOf collects structured fields across the whole chain. On key
// conflict the outermost wrap wins, so an exhaustion wrapper's attempt
// count shadows nothing while the inner retry_after hint stays visible.
func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	var merged map[string]any
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		coded, ok := e.(*codedError)
		if !ok {
			continue
		}
		for k, v := range coded.fields {
			if merged == nil {
				merged = make(map[string]any)
			}
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}

	if oopsErr, ok := oops.AsOops(err); ok {
		for k, v := range oopsErr.Context() {
			if merged == nil {
				merged = make(map[string]any)
			}
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}

	return merged
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// StatusOf returns the HTTP status attached to the error chain, or 0.
func StatusOf(err error) int {
	return intField(err, keyHTTPStatus)
}

// RetryAfterOf returns the provider-supplied retry hint, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	s := intField(err, keyRetryAfter)
	if s <= 0 {
		return 0, false
	}
	return time.Duration(s) * time.Second, true
}

// AttemptsOf returns the attempt count recorded on a retry-exhausted error, or 0.
func AttemptsOf(err error) int {
	return intField(err, keyAttempts)
}

func IsNetwork(err error) bool {
	return strings.Contains(string(CodeOf(err)), "network")
}

func IsAuth(err error) bool {
	return strings.Contains(string(CodeOf(err)), "auth")
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsRateLimited(err error) bool {
	return reason(CodeOf(err)) == "limited"
}

func IsCircuitOpen(err error) bool {
	return HasCode(err, CodeResilienceCircuitOpen)
}

func IsRetryExhausted(err error) bool {
	return reason(CodeOf(err)) == "exhausted"
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value"
}

// HTTPStatus maps an error chain to the status code the admin server reports.
func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsAuth(err):
		return http.StatusUnauthorized
	case IsRateLimited(err):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsCircuitOpen(err), IsNetwork(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return &codedError{
		code: CodeServerInternalFailure,
		err:  oops.Code(CodeServerInternalFailure).Wrap(joined),
	}
}

func fieldMap(fields []Attr) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]any, len(fields))
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		m[field.Key] = field.Value
	}
	return m
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func intField(err error, key string) int {
	fields := FieldsOf(err)
	if fields == nil {
		return 0
	}
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
