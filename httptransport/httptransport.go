// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httptransport provides functionality for attaching tokens from a
// [cloud.google.com/go/tokenbroker.TokenProvider] to HTTP requests.
package httptransport

import (
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/tokenbroker"
	"cloud.google.com/go/tokenbroker/internal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options used to configure a [net/http.Client] from [NewClient].
type Options struct {
	// TokenProvider supplies the token attached to each request. Required
	// unless DisableAuthentication is set.
	TokenProvider tokenbroker.TokenProvider
	// DisableAuthentication specifies that no authentication should be used.
	// It is suitable only for testing and for accessing public resources.
	DisableAuthentication bool
	// DisableTelemetry disables default telemetry (OpenTelemetry). Optional.
	DisableTelemetry bool
	// BaseRoundTripper overrides the base transport used for serving
	// requests. If specified it must be a [*net/http.Transport] or a
	// wrapper around one. Optional.
	BaseRoundTripper http.RoundTripper
	// Headers are extra HTTP headers that will be appended to every
	// outgoing request. Optional.
	Headers http.Header
}

func (o *Options) validate() error {
	if o == nil {
		return errors.New("httptransport: opts required to be non-nil")
	}
	if o.TokenProvider == nil && !o.DisableAuthentication {
		return errors.New("httptransport: a TokenProvider is required unless authentication is disabled")
	}
	return nil
}

// NewClient returns a [net/http.Client] that attaches a token to every
// request and, unless disabled, records an OpenTelemetry span for it.
func NewClient(opts *Options) (*http.Client, error) {
	if err := opts.validate(); err != nil {
		return nil, tokenbroker.NewError(tokenbroker.KindConfig, err)
	}
	trans := opts.BaseRoundTripper
	if trans == nil {
		trans = internal.DefaultClient().Transport
	}
	if len(opts.Headers) > 0 {
		trans = &headerTransport{base: trans, headers: opts.Headers.Clone()}
	}
	if !opts.DisableTelemetry {
		trans = otelhttp.NewTransport(trans)
	}
	if !opts.DisableAuthentication {
		trans = &authTransport{base: trans, provider: opts.TokenProvider}
	}
	return &http.Client{Transport: trans}, nil
}

// AddAuthorizationMiddleware adds a middleware to the provided client's
// transport that sets the Authorization header with the value produced by
// the provided [cloud.google.com/go/tokenbroker.TokenProvider]. An error is
// returned only if client or tp is nil.
func AddAuthorizationMiddleware(client *http.Client, tp tokenbroker.TokenProvider) error {
	if client == nil || tp == nil {
		return fmt.Errorf("httptransport: client (%v) and TokenProvider (%v) must not be nil", client, tp)
	}
	base := client.Transport
	if base == nil {
		if dt, ok := http.DefaultTransport.(*http.Transport); ok {
			base = dt.Clone()
		} else {
			// Directly reuse the DefaultTransport if the application has
			// replaced it with an implementation of RoundTripper other than
			// http.Transport.
			base = http.DefaultTransport
		}
	}
	client.Transport = &authTransport{
		provider: tp,
		base:     base,
	}
	return nil
}
