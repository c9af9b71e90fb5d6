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

// Package oauth2adapt converts between the token types of this module and
// those of golang.org/x/oauth2, so that brokered tokens can be handed to
// clients that only accept an [oauth2.TokenSource].
package oauth2adapt

import (
	"context"
	"errors"

	"cloud.google.com/go/tokenbroker"
	"golang.org/x/oauth2"
)

const oauth2TokenSourceKey = "oauth2.google.tokenSource"

// TokenProviderFromTokenSource converts any [golang.org/x/oauth2.TokenSource]
// into a [cloud.google.com/go/tokenbroker.TokenProvider]. Errors from ts are
// returned as [cloud.google.com/go/tokenbroker.KindUpstreamAuth] errors.
func TokenProviderFromTokenSource(ts oauth2.TokenSource) tokenbroker.TokenProvider {
	return &tokenProviderAdapter{ts: ts}
}

type tokenProviderAdapter struct {
	ts oauth2.TokenSource
}

// Token fulfills the [cloud.google.com/go/tokenbroker.TokenProvider]
// interface. The context is ignored as x/oauth2 token sources take none.
func (tp *tokenProviderAdapter) Token(context.Context) (*tokenbroker.Token, error) {
	tok, err := tp.ts.Token()
	if err != nil {
		var err2 *oauth2.RetrieveError
		if ok := errors.As(err, &err2); ok {
			return nil, tokenbrokerErrorFromRetrieveError(err2)
		}
		return nil, tokenbroker.NewError(tokenbroker.KindUpstreamAuth, err)
	}
	// Preserve compute token metadata, for both internal use and for
	// conversion back to oauth2.Token.
	return &tokenbroker.Token{
		Value:  tok.AccessToken,
		Type:   tok.Type(),
		Expiry: tok.Expiry,
		Metadata: map[string]interface{}{
			oauth2TokenSourceKey: tok.Extra(oauth2TokenSourceKey),
		},
	}, nil
}

// TokenSourceFromTokenProvider converts any
// [cloud.google.com/go/tokenbroker.TokenProvider] into a
// [golang.org/x/oauth2.TokenSource]. A [cloud.google.com/go/tokenbroker.Error]
// carrying an HTTP response is also made available as an
// [oauth2.RetrieveError].
func TokenSourceFromTokenProvider(tp tokenbroker.TokenProvider) oauth2.TokenSource {
	return &tokenSourceAdapter{tp: tp}
}

type tokenSourceAdapter struct {
	tp tokenbroker.TokenProvider
}

// Token fulfills the [golang.org/x/oauth2.TokenSource] interface.
func (ts *tokenSourceAdapter) Token() (*oauth2.Token, error) {
	tok, err := ts.tp.Token(context.Background())
	if err != nil {
		var err2 *tokenbroker.Error
		if ok := errors.As(err, &err2); ok {
			return nil, addRetrieveErrorToTokenbrokerError(err2)
		}
		return nil, err
	}
	tok2 := &oauth2.Token{
		AccessToken: tok.Value,
		TokenType:   tok.Type,
		Expiry:      tok.Expiry,
	}
	if len(tok.Metadata) > 0 {
		tok2 = tok2.WithExtra(tok.Metadata)
	}
	return tok2, nil
}

// tokenbrokerErrorFromRetrieveError keeps the response of re and wraps re
// itself, so both error types can be recovered with errors.As.
func tokenbrokerErrorFromRetrieveError(re *oauth2.RetrieveError) *tokenbroker.Error {
	if re == nil {
		return nil
	}
	return &tokenbroker.Error{
		Kind:     tokenbroker.KindUpstreamAuth,
		Response: re.Response,
		Body:     re.Body,
		Err:      re,
	}
}

// addRetrieveErrorToTokenbrokerError returns a copy of e whose wrapped error
// is an [oauth2.RetrieveError]. The copy is unchanged if e has no response.
func addRetrieveErrorToTokenbrokerError(e *tokenbroker.Error) *tokenbroker.Error {
	if e == nil || e.Response == nil {
		return e
	}
	e2 := *e
	re := &oauth2.RetrieveError{
		Response: e.Response,
		Body:     e.Body,
	}
	if e.Err != nil {
		re.ErrorDescription = e.Err.Error()
	}
	e2.Err = re
	return &e2
}
