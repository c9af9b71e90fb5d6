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

// Package impersonate exchanges a token for a service account access token
// through the IAM Credentials generateAccessToken method.
package impersonate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/tokenbroker"
	"cloud.google.com/go/tokenbroker/httptransport"
	"cloud.google.com/go/tokenbroker/internal"
	"github.com/googleapis/gax-go/v2/internallog"
)

const (
	generateAccessTokenSuffix = ":generateAccessToken"
	defaultScope              = "https://www.googleapis.com/auth/cloud-platform"
	maxLifetime               = 12 * time.Hour
)

// Options for [NewTokenProvider].
type Options struct {
	// Base supplies the token used to authorize the generateAccessToken
	// call. Required.
	Base tokenbroker.TokenProvider
	// URL is the full generateAccessToken URL, as found in the
	// service_account_impersonation_url field of credential files. Either URL
	// or TargetPrincipal is required.
	URL string
	// TargetPrincipal is the email address of the service account to
	// impersonate. The URL is built from it and UniverseDomain.
	TargetPrincipal string
	// UniverseDomain is used with TargetPrincipal. Optional, defaults to
	// "googleapis.com".
	UniverseDomain string
	// Scopes that the impersonated credential should have. Optional,
	// defaults to the cloud-platform scope.
	Scopes []string
	// Delegates are the service account email addresses in a delegation chain.
	// Each service account must be granted roles/iam.serviceAccountTokenCreator
	// on the next service account in the chain. Optional.
	Delegates []string
	// Lifetime is the amount of time until the impersonated token expires. If
	// unset the token's lifetime will be one hour and be automatically
	// refreshed. If set the token will not be refreshed. Optional.
	Lifetime time.Duration
	// Client configures the underlying client used to make network requests.
	// It is not modified. Optional.
	Client *http.Client
	// Logger is used for debug logging. If provided, logging will be enabled
	// at the loggers configured level. By default logging is disabled unless
	// enabled by setting GOOGLE_SDK_GO_LOGGING_LEVEL in which case a default
	// logger will be used. Optional.
	Logger *slog.Logger
}

func (o *Options) validate() error {
	if o == nil {
		return errors.New("impersonate: options must be provided")
	}
	if o.Base == nil {
		return errors.New("impersonate: a base token provider must be provided")
	}
	if o.URL == "" && o.TargetPrincipal == "" {
		return errors.New("impersonate: a URL or target service account must be provided")
	}
	if o.URL != "" {
		if _, err := ServiceAccountEmail(o.URL); err != nil {
			return err
		}
	}
	if o.Lifetime > maxLifetime {
		return errors.New("impersonate: max lifetime is 12 hours")
	}
	return nil
}

func (o *Options) url() string {
	if o.URL != "" {
		return o.URL
	}
	ud := o.UniverseDomain
	if ud == "" {
		ud = internal.DefaultUniverseDomain
	}
	return fmt.Sprintf("https://iamcredentials.%s/v1/%s%s", ud, formatIAMServiceAccountName(o.TargetPrincipal), generateAccessTokenSuffix)
}

// NewTokenProvider returns a cached [tokenbroker.TokenProvider] that mints
// access tokens for a service account, authorizing each call with a token
// from opts.Base. Invalid options are reported as a
// [tokenbroker.KindConfig] error.
func NewTokenProvider(opts *Options) (tokenbroker.TokenProvider, error) {
	if err := opts.validate(); err != nil {
		return nil, tokenbroker.NewError(tokenbroker.KindConfig, err)
	}
	client := internal.CloneDefaultClient()
	if opts.Client != nil {
		c := *opts.Client
		client = &c
	}
	if err := httptransport.AddAuthorizationMiddleware(client, upstream{opts.Base}); err != nil {
		return nil, err
	}

	var isStaticToken bool
	// Default to the longest acceptable value of one hour as the token will
	// be refreshed automatically if not set.
	lifetime := 1 * time.Hour
	if opts.Lifetime != 0 {
		lifetime = opts.Lifetime
		// Don't auto-refresh token if a lifetime is configured.
		isStaticToken = true
	}
	tp := impersonatedTokenProvider{
		client:   client,
		url:      opts.url(),
		lifetime: fmt.Sprintf("%.fs", lifetime.Seconds()),
		scopes:   []string{defaultScope},
		logger:   internallog.New(opts.Logger),
	}
	if len(opts.Scopes) > 0 {
		tp.scopes = append([]string(nil), opts.Scopes...)
	}
	for _, v := range opts.Delegates {
		tp.delegates = append(tp.delegates, formatIAMServiceAccountName(v))
	}

	var tpo *tokenbroker.CachedTokenProviderOptions
	if isStaticToken {
		tpo = &tokenbroker.CachedTokenProviderOptions{
			DisableAutoRefresh: true,
		}
	}
	return tokenbroker.NewCachedTokenProvider(tp, tpo), nil
}

// ServiceAccountEmail returns the service account named by a
// generateAccessToken URL: the last path segment without the
// ":generateAccessToken" suffix.
func ServiceAccountEmail(url string) (string, error) {
	rest, ok := strings.CutSuffix(url, generateAccessTokenSuffix)
	if !ok {
		return "", fmt.Errorf("impersonate: URL %q does not end in %q", url, generateAccessTokenSuffix)
	}
	email := rest[strings.LastIndex(rest, "/")+1:]
	if email == "" {
		return "", fmt.Errorf("impersonate: URL %q does not name a service account", url)
	}
	return email, nil
}

func formatIAMServiceAccountName(name string) string {
	return fmt.Sprintf("projects/-/serviceAccounts/%s", name)
}

// upstream marks failures of the base provider so they keep their kind.
type upstream struct {
	tp tokenbroker.TokenProvider
}

func (u upstream) Token(ctx context.Context) (*tokenbroker.Token, error) {
	t, err := u.tp.Token(ctx)
	if err != nil {
		if tokenbroker.KindOf(err) == tokenbroker.KindUnknown {
			err = tokenbroker.NewError(tokenbroker.KindUpstreamAuth, err)
		}
		return nil, err
	}
	return t, nil
}

type generateAccessTokenRequest struct {
	Delegates []string `json:"delegates,omitempty"`
	Lifetime  string   `json:"lifetime,omitempty"`
	Scope     []string `json:"scope,omitempty"`
}

type generateAccessTokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireTime  string `json:"expireTime"`
}

type impersonatedTokenProvider struct {
	client *http.Client
	logger *slog.Logger

	url       string
	lifetime  string
	scopes    []string
	delegates []string
}

// Token returns an impersonated Token.
func (i impersonatedTokenProvider) Token(ctx context.Context) (*tokenbroker.Token, error) {
	reqBody := generateAccessTokenRequest{
		Delegates: i.delegates,
		Lifetime:  i.lifetime,
		Scope:     i.scopes,
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("impersonate: unable to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", i.url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("impersonate: unable to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	i.logger.DebugContext(ctx, "impersonated token request", "request", internallog.HTTPRequest(req, b))
	resp, body, err := internal.DoRequest(i.client, req)
	if err != nil {
		if tokenbroker.KindOf(err) != tokenbroker.KindUnknown {
			return nil, err
		}
		return nil, tokenbroker.NewError(tokenbroker.KindExchange, fmt.Errorf("impersonate: unable to generate access token: %w", err))
	}
	i.logger.DebugContext(ctx, "impersonated token response", "response", internallog.HTTPResponse(resp, body))
	if c := resp.StatusCode; c < http.StatusOK || c >= http.StatusMultipleChoices {
		return nil, tokenbroker.NewResponseError(tokenbroker.KindExchange, resp, body)
	}

	var accessTokenResp generateAccessTokenResponse
	if err := json.Unmarshal(body, &accessTokenResp); err != nil {
		return nil, tokenbroker.NewError(tokenbroker.KindExchange, fmt.Errorf("impersonate: unable to parse response: %w", err))
	}
	expiry, err := time.Parse(time.RFC3339, accessTokenResp.ExpireTime)
	if err != nil {
		return nil, tokenbroker.NewError(tokenbroker.KindExchange, fmt.Errorf("impersonate: unable to parse expiry: %w", err))
	}
	return &tokenbroker.Token{
		Value:  accessTokenResp.AccessToken,
		Type:   internal.TokenTypeBearer,
		Expiry: expiry,
	}, nil
}
