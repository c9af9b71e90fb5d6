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

// Package sts performs OAuth 2.0 token exchanges (RFC 8693) against a
// Security Token Service.
package sts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"cloud.google.com/go/tokenbroker"
	"cloud.google.com/go/tokenbroker/internal"
	"github.com/googleapis/gax-go/v2/internallog"
)

const (
	// GrantTypeTokenExchange is the grant type of every exchange.
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	// TokenTypeAccessToken identifies an OAuth 2.0 access token.
	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	universeDomainPlaceholder = "UNIVERSE_DOMAIN"
	endpointTemplate          = "https://sts.UNIVERSE_DOMAIN/v1/token"
)

// Endpoint returns the token endpoint for a universe domain. An empty
// domain means "googleapis.com".
func Endpoint(universeDomain string) string {
	if universeDomain == "" {
		universeDomain = internal.DefaultUniverseDomain
	}
	return strings.Replace(endpointTemplate, universeDomainPlaceholder, universeDomain, 1)
}

// Exchanger trades a subject token for another token.
type Exchanger interface {
	Exchange(ctx context.Context, req *Request) (*Response, error)
}

// Request contains the fields of a token exchange. SubjectToken and
// SubjectTokenType are required; empty optional fields are not sent.
type Request struct {
	// GrantType defaults to GrantTypeTokenExchange.
	GrantType string
	Audience  string
	Scope     []string
	// RequestedTokenType defaults to TokenTypeAccessToken.
	RequestedTokenType string
	SubjectToken       string
	SubjectTokenType   string
	// Options is sent verbatim as the options parameter if set.
	Options json.RawMessage
}

// Response is the decoded body of a successful exchange.
type Response struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
}

// Client exchanges tokens with an STS over HTTP. The zero value posts to the
// googleapis.com endpoint with a default HTTP client.
type Client struct {
	// Endpoint is the token URL. Optional, defaults to Endpoint("").
	Endpoint string
	// HTTPClient sends the requests. Optional.
	HTTPClient *http.Client
	// Auth authenticates the OAuth client, if any. Optional.
	Auth *ClientAuthentication
	// Headers are added to every request. Optional.
	Headers http.Header
	// Logger is used for debug logging. Optional.
	Logger *slog.Logger
}

// Exchange implements [Exchanger]. Failures are [tokenbroker.KindExchange]
// errors; a rejection by the server keeps the response and its OAuth 2.0
// error fields.
func (c *Client) Exchange(ctx context.Context, r *Request) (*Response, error) {
	if r == nil || r.SubjectToken == "" || r.SubjectTokenType == "" {
		return nil, exchangeError(errors.New("sts: subject token and subject token type must be provided"))
	}
	data := url.Values{}
	data.Set("grant_type", valueOr(r.GrantType, GrantTypeTokenExchange))
	data.Set("requested_token_type", valueOr(r.RequestedTokenType, TokenTypeAccessToken))
	data.Set("subject_token_type", r.SubjectTokenType)
	data.Set("subject_token", r.SubjectToken)
	if r.Audience != "" {
		data.Set("audience", r.Audience)
	}
	if len(r.Scope) > 0 {
		data.Set("scope", strings.Join(r.Scope, " "))
	}
	if len(r.Options) > 0 {
		data.Set("options", string(r.Options))
	}

	headers := make(http.Header)
	for k, v := range c.Headers {
		headers[k] = append([]string(nil), v...)
	}
	c.Auth.InjectAuthentication(data, headers)
	encodedData := data.Encode()

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint(), strings.NewReader(encodedData))
	if err != nil {
		return nil, exchangeError(fmt.Errorf("sts: failed to properly build http request: %w", err))
	}
	for key, list := range headers {
		for _, val := range list {
			req.Header.Add(key, val)
		}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encodedData)))

	logger := internallog.New(c.Logger)
	logger.DebugContext(ctx, "sts token request", "request", internallog.HTTPRequest(req, []byte(encodedData)))
	resp, body, err := internal.DoRequest(c.client(), req)
	if err != nil {
		return nil, exchangeError(fmt.Errorf("sts: invalid response from Secure Token Server: %w", err))
	}
	logger.DebugContext(ctx, "sts token response", "response", internallog.HTTPResponse(resp, body))
	if sc := resp.StatusCode; sc < http.StatusOK || sc >= http.StatusMultipleChoices {
		return nil, tokenbroker.NewResponseError(tokenbroker.KindExchange, resp, body)
	}
	var stsResp Response
	if err := json.Unmarshal(body, &stsResp); err != nil {
		return nil, exchangeError(fmt.Errorf("sts: failed to unmarshal response body from Secure Token Server: %w", err))
	}
	if stsResp.AccessToken == "" {
		return nil, exchangeError(errors.New("sts: response has no access_token"))
	}
	return &stsResp, nil
}

func (c *Client) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return Endpoint("")
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return internal.CloneDefaultClient()
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func exchangeError(err error) error {
	return tokenbroker.NewError(tokenbroker.KindExchange, err)
}
