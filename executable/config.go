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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/tokenbroker"
	"cloud.google.com/go/tokenbroker/impersonate"
	"cloud.google.com/go/tokenbroker/internal/credsfile"
)

const (
	defaultTimeout = 30 * time.Second
	timeoutMinimum = 5 * time.Second
	timeoutMaximum = 120 * time.Second
)

// Options for [NewProvider].
type Options struct {
	// Command is the full command to run to retrieve the subject token. It
	// may include arguments separated by whitespace. Required.
	Command string
	// TimeoutMillis is how long to wait for the command, in milliseconds.
	// Zero means 30000. Otherwise it must be between 5000 and 120000.
	// Optional.
	TimeoutMillis int
	// OutputFile is the path of a file the command caches its response in.
	// If set it is checked before running the command, and preferred over
	// the command's stdout after a run. Optional.
	OutputFile string

	// Audience is passed to the command in
	// GOOGLE_EXTERNAL_ACCOUNT_AUDIENCE unless overridden per request.
	Audience string
	// SubjectTokenType is passed to the command in
	// GOOGLE_EXTERNAL_ACCOUNT_TOKEN_TYPE unless overridden per request.
	SubjectTokenType string
	// ServiceAccountImpersonationURL, if set, must end in
	// ":generateAccessToken". The service account email it names is passed
	// to the command in GOOGLE_EXTERNAL_ACCOUNT_IMPERSONATED_EMAIL.
	ServiceAccountImpersonationURL string

	// CheckCacheExpiration makes a cached response in OutputFile count as a
	// miss once its expiration_time has passed. By default a cached success
	// response is used regardless of its expiration.
	CheckCacheExpiration bool

	// Runner runs the command. Optional, defaults to running it as a local
	// process.
	Runner Runner
	// Logger is used for debug logging. If provided, logging will be enabled
	// at the loggers configured level. By default logging is disabled unless
	// enabled by setting GOOGLE_SDK_GO_LOGGING_LEVEL in which case a default
	// logger will be used. Optional.
	Logger *slog.Logger
}

// OptionsFromFile converts the executable section of a credential file. A
// timeout_millis that is present must be between 5000 and 120000, otherwise
// a [tokenbroker.KindConfig] error is returned.
func OptionsFromFile(ec *credsfile.ExecutableConfig) (*Options, error) {
	if ec == nil {
		return nil, nil
	}
	opts := &Options{
		Command:    ec.Command,
		OutputFile: ec.OutputFile,
	}
	if ec.TimeoutMillis != nil {
		ms := int(*ec.TimeoutMillis)
		if err := checkTimeout(ms); err != nil {
			return nil, configError(err)
		}
		opts.TimeoutMillis = ms
	}
	return opts, nil
}

func (o *Options) validate() error {
	if o == nil {
		return errors.New("executable: options must be provided")
	}
	if o.Command == "" {
		return errors.New("executable: missing `command` field, executable command must be provided")
	}
	if o.TimeoutMillis != 0 {
		if err := checkTimeout(o.TimeoutMillis); err != nil {
			return err
		}
	}
	if o.ServiceAccountImpersonationURL != "" {
		if _, err := impersonate.ServiceAccountEmail(o.ServiceAccountImpersonationURL); err != nil {
			return fmt.Errorf("executable: %w", err)
		}
	}
	return nil
}

func checkTimeout(ms int) error {
	t := time.Duration(ms) * time.Millisecond
	if t < timeoutMinimum || t > timeoutMaximum {
		return fmt.Errorf("executable: invalid `timeout_millis` field %d, executable timeout must be between 5 and 120 seconds", ms)
	}
	return nil
}

func (o *Options) timeout() time.Duration {
	if o.TimeoutMillis == 0 {
		return defaultTimeout
	}
	return time.Duration(o.TimeoutMillis) * time.Millisecond
}

func (o *Options) runner() Runner {
	if o.Runner != nil {
		return o.Runner
	}
	return CommandRunner{}
}

func configError(err error) error {
	return tokenbroker.NewError(tokenbroker.KindConfig, err)
}
