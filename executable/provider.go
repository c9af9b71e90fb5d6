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

// Package executable obtains subject tokens by running a configured external
// command, optionally caching its response in an output file.
//
// The command is given the context of the request through environment
// variables and must print a JSON response to stdout (or write it to the
// output file). A successful response looks like
//
//	{
//	  "version": 1,
//	  "success": true,
//	  "token_type": "urn:ietf:params:oauth:token-type:id_token",
//	  "id_token": "HEADER.PAYLOAD.SIGNATURE",
//	  "expiration_time": 1620499962
//	}
//
// and an unsuccessful one like
//
//	{
//	  "version": 1,
//	  "success": false,
//	  "code": "401",
//	  "message": "Caller not authorized."
//	}
package executable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/tokenbroker"
	"cloud.google.com/go/tokenbroker/async"
	"cloud.google.com/go/tokenbroker/impersonate"
	"cloud.google.com/go/tokenbroker/internal"
	"cloud.google.com/go/tokenbroker/internal/trace"
	"github.com/googleapis/gax-go/v2/internallog"
	"go.opentelemetry.io/otel/attribute"
)

// State is a step in retrieving a subject token.
type State int

const (
	// StateIdle is before any work has started.
	StateIdle State = iota
	// StateCheckingCache is while the output file is read.
	StateCheckingCache
	// StateInvoking is while the command is being started.
	StateInvoking
	// StateAwaitingResult is while the command runs under its deadline.
	StateAwaitingResult
	// StateValidating is while the response is validated.
	StateValidating
	// StateDone means a subject token was produced.
	StateDone
	// StateFailed means retrieval ended with an error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCheckingCache:
		return "CheckingCache"
	case StateInvoking:
		return "Invoking"
	case StateAwaitingResult:
		return "AwaitingResult"
	case StateValidating:
		return "Validating"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// RequestOptions carries per-request context for the command. Empty fields
// fall back to the provider's [Options].
type RequestOptions struct {
	// Audience is the requested audience for the external account.
	Audience string
	// SubjectTokenType is the requested subject token type.
	SubjectTokenType string
}

// environment abstracts the process state the provider reads.
type environment interface {
	existingEnv() []string
	now() time.Time
}

type runtimeEnvironment struct{}

func (runtimeEnvironment) existingEnv() []string { return os.Environ() }
func (runtimeEnvironment) now() time.Time        { return time.Now().UTC() }

// Provider retrieves subject tokens from an external command. It is safe for
// concurrent use; calls share nothing but the provider's configuration.
type Provider struct {
	opts    Options
	timeout time.Duration
	email   string
	runner  Runner
	env     environment
	logger  *slog.Logger
}

// NewProvider returns a Provider for opts. Invalid options are reported as a
// [tokenbroker.KindConfig] error.
func NewProvider(opts *Options) (*Provider, error) {
	if err := opts.validate(); err != nil {
		return nil, configError(err)
	}
	var email string
	if opts.ServiceAccountImpersonationURL != "" {
		email, _ = impersonate.ServiceAccountEmail(opts.ServiceAccountImpersonationURL)
	}
	return &Provider{
		opts:    *opts,
		timeout: opts.timeout(),
		email:   email,
		runner:  opts.runner(),
		env:     runtimeEnvironment{},
		logger:  internallog.New(opts.Logger),
	}, nil
}

// SubjectToken returns a subject token, blocking until it is available, the
// command's deadline passes, or ctx is done.
func (p *Provider) SubjectToken(ctx context.Context, opts *RequestOptions) (string, error) {
	return p.SubjectTokenAsync(ctx, opts).Await(ctx)
}

// SubjectTokenAsync starts retrieving a subject token and returns a future
// for it.
func (p *Provider) SubjectTokenAsync(ctx context.Context, opts *RequestOptions) *async.Future[string] {
	if opts == nil {
		opts = &RequestOptions{}
	}
	return async.Go(ctx, func(ctx context.Context) (string, error) {
		return p.retrieve(ctx, opts)
	})
}

// RetrieveSubjectToken starts retrieving a subject token and returns
// immediately. cb is called exactly once, from another goroutine, after the
// response has been validated. On failure cb receives an empty token and the
// error.
func (p *Provider) RetrieveSubjectToken(ctx context.Context, opts *RequestOptions, cb func(token string, err error)) {
	p.SubjectTokenAsync(ctx, opts).Notify(ctx, cb)
}

func (p *Provider) retrieve(ctx context.Context, opts *RequestOptions) (token string, err error) {
	ctx = trace.StartSpan(ctx, "executable.SubjectToken", attribute.Bool("executable.output_file", p.opts.OutputFile != ""))
	defer func() {
		if err != nil {
			p.setState(ctx, StateFailed, "error", err)
		} else {
			p.setState(ctx, StateDone)
		}
		trace.EndSpan(ctx, err)
	}()

	p.setState(ctx, StateCheckingCache)
	if token, ok := p.cachedToken(ctx); ok {
		return token, nil
	}

	p.setState(ctx, StateInvoking)
	data, err := p.invoke(ctx, p.environment(opts))
	if err != nil {
		return "", err
	}

	p.setState(ctx, StateValidating)
	r, err := ParseResponse(data)
	if err != nil {
		return "", err
	}
	if !r.Success {
		return "", tokenbroker.NewError(tokenbroker.KindExecution, r.Err())
	}
	return r.SubjectToken, nil
}

// cachedToken returns the token in the output file if it holds a usable
// success response. Anything else, including a file that is still being
// written, is a miss.
func (p *Provider) cachedToken(ctx context.Context) (string, bool) {
	data, ok := p.readOutputFile()
	if !ok {
		return "", false
	}
	r, err := ParseResponse(data)
	if err != nil {
		p.logger.DebugContext(ctx, "executable: ignoring output file", "path", p.opts.OutputFile, "error", err)
		return "", false
	}
	if !r.Success {
		return "", false
	}
	if p.opts.CheckCacheExpiration && r.Expired(p.env.now()) {
		p.logger.DebugContext(ctx, "executable: cached response expired", "path", p.opts.OutputFile)
		return "", false
	}
	return r.SubjectToken, true
}

func (p *Provider) readOutputFile() ([]byte, bool) {
	if p.opts.OutputFile == "" {
		return nil, false
	}
	data, err := internal.ReadFile(p.opts.OutputFile)
	if err != nil {
		return nil, false
	}
	data = bytes.TrimSpace(data)
	return data, len(data) > 0
}

func (p *Provider) environment(opts *RequestOptions) []string {
	audience, tokenType := opts.Audience, opts.SubjectTokenType
	if audience == "" {
		audience = p.opts.Audience
	}
	if tokenType == "" {
		tokenType = p.opts.SubjectTokenType
	}
	env := p.env.existingEnv()
	return append(env[:len(env):len(env)],
		internal.AudienceEnvVar+"="+audience,
		internal.TokenTypeEnvVar+"="+tokenType,
		internal.InteractiveEnvVar+"=0",
		internal.ImpersonatedEmailEnvVar+"="+p.email,
		internal.OutputFileEnvVar+"="+p.opts.OutputFile,
	)
}

type runResult struct {
	out *Output
	err error
}

// invoke runs the command on its own goroutine and waits for it until the
// timeout elapses or ctx is done. In either case the command's context is
// cancelled, which kills it, and its eventual result is dropped.
func (p *Provider) invoke(ctx context.Context, env []string) ([]byte, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan runResult, 1)
	go func() {
		out, err := p.runner.Run(runCtx, p.opts.Command, env)
		done <- runResult{out, err}
	}()

	p.setState(ctx, StateAwaitingResult, "timeout", p.timeout)
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	var res runResult
	select {
	case res = <-done:
	case <-timer.C:
		return nil, tokenbroker.NewError(tokenbroker.KindTimeout, fmt.Errorf("executable: command did not complete within %v", p.timeout))
	case <-ctx.Done():
		return nil, fmt.Errorf("executable: %w", ctx.Err())
	}

	if res.err != nil {
		if tokenbroker.KindOf(res.err) != tokenbroker.KindUnknown {
			return nil, res.err
		}
		return nil, tokenbroker.NewError(tokenbroker.KindExecution, fmt.Errorf("executable: command failed: %w", res.err))
	}
	if res.out == nil {
		return nil, tokenbroker.NewError(tokenbroker.KindExecution, errors.New("executable: command produced no output"))
	}
	if !res.out.Success() {
		return nil, exitCodeError(res.out)
	}
	if data, ok := p.readOutputFile(); ok {
		return data, nil
	}
	return bytes.TrimSpace(res.out.Stdout), nil
}

func (p *Provider) setState(ctx context.Context, s State, args ...any) {
	p.logger.DebugContext(ctx, "executable: "+s.String(), append([]any{"command", p.opts.Command}, args...)...)
}

func exitCodeError(out *Output) error {
	msg := fmt.Sprintf("executable: command failed with exit code %d", out.ExitCode)
	if stderr := bytes.TrimSpace(out.Stderr); len(stderr) > 0 {
		msg += ": " + string(stderr)
	}
	return tokenbroker.NewError(tokenbroker.KindExecution, errors.New(msg))
}
