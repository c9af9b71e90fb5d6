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

package executable

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/tokenbroker"
)

// SAMLTokenType is the token type whose subject token is read from
// saml_response rather than id_token.
const SAMLTokenType = "urn:ietf:params:oauth:token-type:saml2"

// Response is a validated executable response.
//
// When Success is true TokenType, SubjectToken and ExpirationTime are set.
// Otherwise Code and Message are.
type Response struct {
	Version        int
	Success        bool
	TokenType      string
	SubjectToken   string
	ExpirationTime int64 // seconds since the epoch, 0 when unknown
	Code           string
	Message        string
}

// ParseResponse validates data and returns the response it holds. Fields are
// checked in a fixed order and the first violation is returned as a
// validation error naming the field. Unknown fields are ignored.
func ParseResponse(data []byte) (*Response, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, validationError("executable: response is not a parseable JSON object")
	}

	r := &Response{}
	raw, ok := obj["version"]
	if !ok {
		return nil, missingFieldError("version")
	}
	v, ok := parseInt(raw)
	if !ok {
		return nil, invalidFieldError("version")
	}
	r.Version = int(v)

	if raw, ok = obj["success"]; !ok {
		return nil, missingFieldError("success")
	}
	var success *bool
	if err := json.Unmarshal(raw, &success); err != nil || success == nil {
		return nil, invalidFieldError("success")
	}
	r.Success = *success

	if !r.Success {
		if r.Code, ok = stringField(obj, "code"); !ok {
			return nil, missingFieldError("code")
		}
		if r.Message, ok = stringField(obj, "message"); !ok {
			return nil, missingFieldError("message")
		}
		return r, nil
	}

	if r.TokenType, ok = stringField(obj, "token_type"); !ok {
		return nil, missingFieldError("token_type")
	}
	if raw, ok = obj["expiration_time"]; ok {
		exp, ok := parseInt(raw)
		if !ok {
			return nil, invalidFieldError("expiration_time")
		}
		r.ExpirationTime = exp
	}
	tokenField := "id_token"
	if r.TokenType == SAMLTokenType {
		tokenField = "saml_response"
	}
	if r.SubjectToken, ok = stringField(obj, tokenField); !ok || r.SubjectToken == "" {
		return nil, validationError(fmt.Sprintf("executable: response has no valid token in %q", tokenField))
	}
	return r, nil
}

// MarshalJSON writes r in the shape [ParseResponse] accepts.
func (r *Response) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return json.Marshal(struct {
			Version int    `json:"version"`
			Success bool   `json:"success"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}{r.Version, false, r.Code, r.Message})
	}
	out := struct {
		Version        int    `json:"version"`
		Success        bool   `json:"success"`
		TokenType      string `json:"token_type"`
		IDToken        string `json:"id_token,omitempty"`
		SAMLResponse   string `json:"saml_response,omitempty"`
		ExpirationTime int64  `json:"expiration_time,omitempty"`
	}{
		Version:        r.Version,
		Success:        true,
		TokenType:      r.TokenType,
		ExpirationTime: r.ExpirationTime,
	}
	if r.TokenType == SAMLTokenType {
		out.SAMLResponse = r.SubjectToken
	} else {
		out.IDToken = r.SubjectToken
	}
	return json.Marshal(out)
}

// Expired reports whether r carries an expiration time before now.
func (r *Response) Expired(now time.Time) bool {
	return r.ExpirationTime != 0 && r.ExpirationTime < now.Unix()
}

// Err returns the failure r reports, or nil for a successful response.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	return &ResponseError{Code: r.Code, Message: r.Message}
}

// ResponseError is a failure reported by the executable itself.
type ResponseError struct {
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("executable: response contains unsuccessful response: (%v) %v", e.Code, e.Message)
}

// parseInt accepts a JSON integer or a string holding one.
func parseInt(raw json.RawMessage) (int64, bool) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	}
	var n json.Number
	if json.Unmarshal(raw, &n) != nil {
		return 0, false
	}
	i, err := n.Int64()
	return i, err == nil
}

func stringField(obj map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := obj[name]
	if !ok {
		return "", false
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil || s == nil {
		return "", false
	}
	return *s, true
}

func validationError(msg string) error {
	return tokenbroker.NewError(tokenbroker.KindValidation, errors.New(msg))
}

func missingFieldError(field string) error {
	return validationError(fmt.Sprintf("executable: response missing %q field", field))
}

func invalidFieldError(field string) error {
	return validationError(fmt.Sprintf("executable: response has malformed %q field", field))
}
