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

package tokenbroker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies the failures surfaced by credentials in this module.
type Kind int

const (
	// KindUnknown is the zero value and is never produced by this module.
	KindUnknown Kind = iota
	// KindConfig means static configuration was malformed or out of range. It
	// is only reported synchronously, by constructors.
	KindConfig
	// KindExecution means the external executable could not be started,
	// exited unsuccessfully, or reported an unsuccessful response.
	KindExecution
	// KindTimeout means the executable did not complete before its deadline.
	KindTimeout
	// KindValidation means a response was missing or had malformed required
	// fields.
	KindValidation
	// KindUpstreamAuth means the upstream credential failed to produce a
	// token.
	KindUpstreamAuth
	// KindExchange means the token exchange endpoint rejected the request or
	// could not be reached.
	KindExchange
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindExecution:
		return "execution"
	case KindTimeout:
		return "timeout"
	case KindValidation:
		return "validation"
	case KindUpstreamAuth:
		return "upstream auth"
	case KindExchange:
		return "exchange"
	default:
		return "unknown"
	}
}

// Sentinel values for use with [errors.Is]. They match any [Error] of the
// same [Kind].
var (
	ErrConfig       = &Error{Kind: KindConfig}
	ErrExecution    = &Error{Kind: KindExecution}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrUpstreamAuth = &Error{Kind: KindUpstreamAuth}
	ErrExchange     = &Error{Kind: KindExchange}
)

// Error is a error associated with retrieving a [Token]. It can hold useful
// additional details for debugging.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Response is the HTTP response associated with error, if any. The body
	// will always be already closed and consumed.
	Response *http.Response
	// Body is the HTTP response body.
	Body []byte
	// Err is the underlying wrapped error.
	Err error

	// code returned in the token response
	code string
	// description returned in the token response
	description string
	// uri returned in the token response
	uri string
}

// NewError wraps err with the given kind.
func NewError(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// NewResponseError builds an [Error] from a failed HTTP token response. The
// OAuth2 error fields of body are recorded when present.
func NewResponseError(kind Kind, resp *http.Response, body []byte) *Error {
	e := &Error{
		Kind:     kind,
		Response: resp,
		Body:     body,
	}
	var oerr struct {
		Code        string `json:"error"`
		Description string `json:"error_description"`
		URI         string `json:"error_uri"`
	}
	if json.Unmarshal(body, &oerr) == nil {
		e.code = oerr.Code
		e.description = oerr.Description
		e.uri = oerr.URI
	}
	return e
}

func (e *Error) Error() string {
	if e.code != "" {
		s := fmt.Sprintf("tokenbroker: %q", e.code)
		if e.description != "" {
			s += fmt.Sprintf(" %q", e.description)
		}
		if e.uri != "" {
			s += fmt.Sprintf(" %q", e.uri)
		}
		return s
	}
	if e.Response != nil {
		return fmt.Sprintf("tokenbroker: cannot fetch token: %v\nResponse: %s", e.Response.StatusCode, e.Body)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "tokenbroker: " + e.Kind.String() + " error"
}

// Temporary returns true if the error is considered temporary and may be able
// to be retried.
func (e *Error) Temporary() bool {
	if e.Response == nil {
		return false
	}
	sc := e.Response.StatusCode
	return sc == 500 || sc == 503 || sc == 408 || sc == 429
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is one of the kind sentinels, such as
// [ErrTimeout], with the same kind as e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Err != nil || t.Response != nil {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost [Error] in err's chain, or
// [KindUnknown].
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
