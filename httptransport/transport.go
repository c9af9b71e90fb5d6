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

package httptransport

import (
	"net/http"

	"cloud.google.com/go/tokenbroker"
	"cloud.google.com/go/tokenbroker/internal"
)

type authTransport struct {
	provider tokenbroker.TokenProvider
	base     http.RoundTripper
}

// RoundTrip authorizes and authenticates the request with an access token
// from the provider. It implements [net/http.RoundTripper].
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.provider.Token(req.Context())
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	typ := token.Type
	if typ == "" {
		typ = internal.TokenTypeBearer
	}
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", typ+" "+token.Value)
	return t.base.RoundTrip(req2)
}

type headerTransport struct {
	headers http.Header
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	for k, vv := range t.headers {
		for _, v := range vv {
			req2.Header.Add(k, v)
		}
	}
	return t.base.RoundTrip(req2)
}
