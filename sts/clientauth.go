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

package sts

import (
	"encoding/base64"
	"net/http"
	"net/url"
)

// AuthStyle describes how client credentials are sent to the token endpoint.
type AuthStyle int

const (
	// StyleUnknown sends credentials in the request body.
	StyleUnknown AuthStyle = iota
	// StyleInParams sends "client_id" and "client_secret" in the POST body
	// as application/x-www-form-urlencoded parameters.
	StyleInParams
	// StyleInHeader sends the client_id and client_secret using HTTP Basic
	// Authorization. This is an optional style described in the OAuth2
	// RFC 6749 section 2.3.1.
	StyleInHeader
)

// ClientAuthentication represents an OAuth client ID and secret and the
// mechanism for passing these credentials as stated in rfc6749#2.3.1.
type ClientAuthentication struct {
	Style        AuthStyle
	ClientID     string
	ClientSecret string
}

// InjectAuthentication is used to add authentication to a Secure Token Service
// exchange request.  It modifies either the passed url.Values or http.Header
// depending on the desired authentication format.
func (c *ClientAuthentication) InjectAuthentication(values url.Values, headers http.Header) {
	if c == nil || c.ClientID == "" || c.ClientSecret == "" || values == nil || headers == nil {
		return
	}

	switch c.Style {
	// StyleInHeader corresponds to basic authentication as defined in
	// rfc7617#2
	case StyleInHeader:
		plainHeader := c.ClientID + ":" + c.ClientSecret
		headers.Add("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(plainHeader)))
	default:
		values.Set("client_id", c.ClientID)
		values.Set("client_secret", c.ClientSecret)
	}
}
