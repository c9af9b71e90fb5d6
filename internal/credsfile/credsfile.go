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

// Package credsfile is meant to hide implementation details from the public
// surface of the externalaccount package. It should not import any other packages in
// this module. It is located under the main internal package so other
// sub-packages can use these parsed types as well.
package credsfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// CredentialType represents different credential filetypes Google credentials
// can be.
type CredentialType int

const (
	// UnknownCredType is an unidentified file type.
	UnknownCredType CredentialType = iota
	// ExternalAccountKey represents a file with the external_account type.
	ExternalAccountKey
)

// parseCredentialType returns the associated filetype based on the parsed
// typeString provided.
func parseCredentialType(typeString string) CredentialType {
	switch typeString {
	case "external_account":
		return ExternalAccountKey
	default:
		return UnknownCredType
	}
}

// ExternalAccountFile representation.
type ExternalAccountFile struct {
	Type                           string                           `json:"type"`
	ClientID                       string                           `json:"client_id"`
	ClientSecret                   string                           `json:"client_secret"`
	Audience                       string                           `json:"audience"`
	SubjectTokenType               string                           `json:"subject_token_type"`
	ServiceAccountImpersonationURL string                           `json:"service_account_impersonation_url"`
	TokenURL                       string                           `json:"token_url"`
	CredentialSource               *CredentialSource                `json:"credential_source,omitempty"`
	ServiceAccountImpersonation    *ServiceAccountImpersonationInfo `json:"service_account_impersonation,omitempty"`
	QuotaProjectID                 string                           `json:"quota_project_id"`
	WorkforcePoolUserProject       string                           `json:"workforce_pool_user_project"`
	UniverseDomain                 string                           `json:"universe_domain"`
}

// ServiceAccountImpersonationInfo has impersonation configuration.
type ServiceAccountImpersonationInfo struct {
	TokenLifetimeSeconds int `json:"token_lifetime_seconds,omitempty"`
}

// CredentialSource stores the information necessary to retrieve the
// credentials for the STS exchange. Only the executable source is
// supported; the other fields are kept so that unsupported files can be
// reported precisely.
type CredentialSource struct {
	File          string            `json:"file,omitempty"`
	URL           string            `json:"url,omitempty"`
	Executable    *ExecutableConfig `json:"executable,omitempty"`
	EnvironmentID string            `json:"environment_id,omitempty"`
}

// Kind names the kind of source configured, or "" if none is.
func (cs *CredentialSource) Kind() string {
	switch {
	case cs == nil:
		return ""
	case cs.Executable != nil:
		return "executable"
	case cs.File != "":
		return "file"
	case cs.URL != "":
		return "url"
	case cs.EnvironmentID != "":
		return "environment_id"
	}
	return ""
}

// ExecutableConfig represents the command to run for an executable
// credential source. TimeoutMillis is nil when the field is absent.
type ExecutableConfig struct {
	Command       string  `json:"command"`
	TimeoutMillis *Millis `json:"timeout_millis,omitempty"`
	OutputFile    string  `json:"output_file,omitempty"`
}

// Millis is a millisecond count that may be written in JSON either as a
// number or as a string holding an integer.
type Millis int

// UnmarshalJSON implements [json.Unmarshaler].
func (m *Millis) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("credsfile: timeout_millis %q is not an integer", s)
		}
		*m = Millis(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("credsfile: timeout_millis must be a string or a number")
	}
	i, err := n.Int64()
	if err != nil {
		return fmt.Errorf("credsfile: timeout_millis %s is not an integer", n)
	}
	*m = Millis(i)
	return nil
}
