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
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/tokenbroker"
	"cloud.google.com/go/tokenbroker/internal/credsfile"
	"github.com/google/go-cmp/cmp"
)

const (
	echoResponse    = `{"version":1,"success":true,"token_type":"urn:ietf:params:oauth:token-type:jwt","id_token":"abc123","expiration_time":1999999999}`
	deniedResponse  = `{"version":1,"success":false,"code":"denied","message":"policy violation"}`
	cachedResponse  = `{"version":1,"success":true,"token_type":"urn:ietf:params:oauth:token-type:jwt","id_token":"cached","expiration_time":1000}`
	freshResponse   = `{"version":1,"success":true,"token_type":"urn:ietf:params:oauth:token-type:jwt","id_token":"cached","expiration_time":3000}`
	testAudience    = "//iam.googleapis.com/projects/123/locations/global/workloadIdentityPools/pool/providers/oidc"
	testImpersonate = "https://iamcredentials.googleapis.com/v1/projects/-/serviceAccounts/sa@project.iam.gserviceaccount.com:generateAccessToken"
)

type testEnvironment struct {
	env  []string
	time time.Time
}

func (t *testEnvironment) existingEnv() []string { return t.env }
func (t *testEnvironment) now() time.Time        { return t.time }

// fakeRunner records calls and replies with a canned output. If block is
// set, Run waits for its context to end instead.
type fakeRunner struct {
	out   *Output
	err   error
	block bool
	// before runs at the start of each call, e.g. to write an output file.
	before func()

	calls     atomic.Int32
	mu        sync.Mutex
	command   string
	env       []string
	cancelled chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, command string, env []string) (*Output, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.command, r.env = command, env
	r.mu.Unlock()
	if r.before != nil {
		r.before()
	}
	if r.block {
		<-ctx.Done()
		if r.cancelled != nil {
			close(r.cancelled)
		}
		return nil, ctx.Err()
	}
	return r.out, r.err
}

func stdout(s string) *Output {
	return &Output{Stdout: []byte(s + "\n")}
}

func newTestProvider(t *testing.T, opts *Options) *Provider {
	t.Helper()
	p, err := NewProvider(opts)
	if err != nil {
		t.Fatalf("NewProvider() = %v", err)
	}
	p.env = &testEnvironment{
		env:  []string{"PATH=/usr/bin", "HOME=/home/user"},
		time: time.Unix(2000, 0),
	}
	return p
}

func TestNewProvider_Timeout(t *testing.T) {
	tests := []struct {
		millis  int
		want    time.Duration
		wantErr bool
	}{
		{millis: 0, want: 30 * time.Second},
		{millis: 5000, want: 5 * time.Second},
		{millis: 30000, want: 30 * time.Second},
		{millis: 120000, want: 120 * time.Second},
		{millis: 4999, wantErr: true},
		{millis: 120001, wantErr: true},
		{millis: 1, wantErr: true},
		{millis: -5000, wantErr: true},
	}
	for _, tt := range tests {
		p, err := NewProvider(&Options{Command: "echo", TimeoutMillis: tt.millis})
		if tt.wantErr {
			if !errors.Is(err, tokenbroker.ErrConfig) {
				t.Errorf("TimeoutMillis %d: got %v, want a config error", tt.millis, err)
			}
			if p != nil {
				t.Errorf("TimeoutMillis %d: got a provider, want nil", tt.millis)
			}
			continue
		}
		if err != nil {
			t.Errorf("TimeoutMillis %d: NewProvider() = %v", tt.millis, err)
			continue
		}
		if p.timeout != tt.want {
			t.Errorf("TimeoutMillis %d: got timeout %v, want %v", tt.millis, p.timeout, tt.want)
		}
	}
}

func TestOptionsFromFile(t *testing.T) {
	ms := func(n credsfile.Millis) *credsfile.Millis { return &n }
	tests := []struct {
		name    string
		ec      *credsfile.ExecutableConfig
		want    *Options
		wantErr bool
	}{
		{name: "nil"},
		{
			name: "timeout absent",
			ec:   &credsfile.ExecutableConfig{Command: "echo", OutputFile: "/tmp/out.json"},
			want: &Options{Command: "echo", OutputFile: "/tmp/out.json"},
		},
		{
			name: "timeout in range",
			ec:   &credsfile.ExecutableConfig{Command: "echo", TimeoutMillis: ms(5000)},
			want: &Options{Command: "echo", TimeoutMillis: 5000},
		},
		{name: "explicit zero", ec: &credsfile.ExecutableConfig{Command: "echo", TimeoutMillis: ms(0)}, wantErr: true},
		{name: "too short", ec: &credsfile.ExecutableConfig{Command: "echo", TimeoutMillis: ms(4999)}, wantErr: true},
		{name: "too long", ec: &credsfile.ExecutableConfig{Command: "echo", TimeoutMillis: ms(120001)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OptionsFromFile(tt.ec)
			if tt.wantErr {
				if !errors.Is(err, tokenbroker.ErrConfig) {
					t.Errorf("got %v, want a config error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("OptionsFromFile() = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("OptionsFromFile() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewProvider_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts *Options
	}{
		{name: "nil options"},
		{name: "missing command", opts: &Options{TimeoutMillis: 5000}},
		{name: "impersonation url without method", opts: &Options{
			Command:                        "echo",
			ServiceAccountImpersonationURL: "https://iamcredentials.googleapis.com/v1/projects/-/serviceAccounts/sa@project.iam.gserviceaccount.com",
		}},
		{name: "impersonation url without account", opts: &Options{
			Command:                        "echo",
			ServiceAccountImpersonationURL: "https://iamcredentials.googleapis.com/v1/projects/-/serviceAccounts/:generateAccessToken",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.opts)
			if !errors.Is(err, tokenbroker.ErrConfig) {
				t.Errorf("got %v, want a config error", err)
			}
			if p != nil {
				t.Error("got a provider, want nil")
			}
		})
	}
}

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		name     string
		out      *Output
		runErr   error
		want     string
		wantKind tokenbroker.Kind
		wantErr  string
	}{
		{
			name: "success",
			out:  stdout(echoResponse),
			want: "abc123",
		},
		{
			name: "saml",
			out:  stdout(`{"version":1,"success":true,"token_type":"urn:ietf:params:oauth:token-type:saml2","saml_response":"assertion"}`),
			want: "assertion",
		},
		{
			name:     "unsuccessful response",
			out:      stdout(deniedResponse),
			wantKind: tokenbroker.KindExecution,
			wantErr:  "executable: response contains unsuccessful response: (denied) policy violation",
		},
		{
			name:     "malformed json",
			out:      stdout(`{"version":1,`),
			wantKind: tokenbroker.KindValidation,
			wantErr:  "executable: response is not a parseable JSON object",
		},
		{
			name:     "empty stdout",
			out:      &Output{},
			wantKind: tokenbroker.KindValidation,
			wantErr:  "executable: response is not a parseable JSON object",
		},
		{
			name:     "exit code",
			out:      &Output{Stdout: []byte(echoResponse), Stderr: []byte("no credentials\n"), ExitCode: 2},
			wantKind: tokenbroker.KindExecution,
			wantErr:  "executable: command failed with exit code 2: no credentials",
		},
		{
			name:     "spawn failure",
			runErr:   errors.New("exec: not found"),
			wantKind: tokenbroker.KindExecution,
			wantErr:  "executable: command failed: exec: not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{out: tt.out, err: tt.runErr}
			p := newTestProvider(t, &Options{Command: "/bin/fetch-token --audience x", Runner: runner})

			got, err := p.SubjectToken(context.Background(), nil)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("SubjectToken() = %q, want error", got)
				}
				if got != "" {
					t.Errorf("got token %q alongside an error", got)
				}
				if err.Error() != tt.wantErr {
					t.Errorf("got %q, want %q", err.Error(), tt.wantErr)
				}
				if k := tokenbroker.KindOf(err); k != tt.wantKind {
					t.Errorf("got kind %v, want %v", k, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("SubjectToken() = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if got, want := runner.command, "/bin/fetch-token --audience x"; got != want {
				t.Errorf("got command %q, want %q", got, want)
			}
		})
	}
}

func TestSubjectToken_UnsuccessfulResponseCarriesCode(t *testing.T) {
	p := newTestProvider(t, &Options{Command: "fetch", Runner: &fakeRunner{out: stdout(deniedResponse)}})
	_, err := p.SubjectToken(context.Background(), nil)
	var re *ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want a *ResponseError", err)
	}
	if re.Code != "denied" {
		t.Errorf("got code %q, want %q", re.Code, "denied")
	}
	if errors.Is(err, tokenbroker.ErrValidation) {
		t.Error("unsuccessful response reported as a validation error")
	}
}

func TestSubjectToken_Environment(t *testing.T) {
	tests := []struct {
		name string
		opts *Options
		req  *RequestOptions
		want []string
	}{
		{
			name: "all set",
			opts: &Options{
				Audience:                       testAudience,
				SubjectTokenType:               jwtTokenType,
				ServiceAccountImpersonationURL: testImpersonate,
				OutputFile:                     "/tmp/never-written.json",
			},
			want: []string{
				"GOOGLE_EXTERNAL_ACCOUNT_AUDIENCE=" + testAudience,
				"GOOGLE_EXTERNAL_ACCOUNT_IMPERSONATED_EMAIL=sa@project.iam.gserviceaccount.com",
				"GOOGLE_EXTERNAL_ACCOUNT_INTERACTIVE=0",
				"GOOGLE_EXTERNAL_ACCOUNT_OUTPUT_FILE=/tmp/never-written.json",
				"GOOGLE_EXTERNAL_ACCOUNT_TOKEN_TYPE=" + jwtTokenType,
				"HOME=/home/user",
				"PATH=/usr/bin",
			},
		},
		{
			name: "request overrides",
			opts: &Options{
				Audience:         testAudience,
				SubjectTokenType: jwtTokenType,
			},
			req: &RequestOptions{Audience: "other", SubjectTokenType: SAMLTokenType},
			want: []string{
				"GOOGLE_EXTERNAL_ACCOUNT_AUDIENCE=other",
				"GOOGLE_EXTERNAL_ACCOUNT_IMPERSONATED_EMAIL=",
				"GOOGLE_EXTERNAL_ACCOUNT_INTERACTIVE=0",
				"GOOGLE_EXTERNAL_ACCOUNT_OUTPUT_FILE=",
				"GOOGLE_EXTERNAL_ACCOUNT_TOKEN_TYPE=" + SAMLTokenType,
				"HOME=/home/user",
				"PATH=/usr/bin",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{out: stdout(echoResponse)}
			tt.opts.Command = "fetch"
			tt.opts.Runner = runner
			p := newTestProvider(t, tt.opts)
			if _, err := p.SubjectToken(context.Background(), tt.req); err != nil {
				t.Fatal(err)
			}
			got := append([]string(nil), runner.env...)
			sort.Strings(got)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("environment mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSubjectToken_OutputFile(t *testing.T) {
	tests := []struct {
		name                 string
		cached               *string
		checkCacheExpiration bool
		want                 string
		wantRun              bool
	}{
		{
			name:    "no file",
			want:    "abc123",
			wantRun: true,
		},
		{
			name:   "valid cache",
			cached: ptr(freshResponse),
			want:   "cached",
		},
		{
			name:   "expired cache served by default",
			cached: ptr(cachedResponse),
			want:   "cached",
		},
		{
			name:                 "expired cache with expiration check",
			cached:               ptr(cachedResponse),
			checkCacheExpiration: true,
			want:                 "abc123",
			wantRun:              true,
		},
		{
			name:                 "fresh cache with expiration check",
			cached:               ptr(freshResponse),
			checkCacheExpiration: true,
			want:                 "cached",
		},
		{
			name:    "empty file",
			cached:  ptr(""),
			want:    "abc123",
			wantRun: true,
		},
		{
			name:    "partial write",
			cached:  ptr(cachedResponse[:40]),
			want:    "abc123",
			wantRun: true,
		},
		{
			name:    "cached failure",
			cached:  ptr(deniedResponse),
			want:    "abc123",
			wantRun: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cache.json")
			if tt.cached != nil {
				if err := os.WriteFile(path, []byte(*tt.cached), 0600); err != nil {
					t.Fatal(err)
				}
			}
			runner := &fakeRunner{out: stdout(echoResponse)}
			p := newTestProvider(t, &Options{
				Command:              "fetch",
				OutputFile:           path,
				CheckCacheExpiration: tt.checkCacheExpiration,
				Runner:               runner,
			})
			got, err := p.SubjectToken(context.Background(), nil)
			if err != nil {
				t.Fatalf("SubjectToken() = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if ran := runner.calls.Load() > 0; ran != tt.wantRun {
				t.Errorf("command ran = %v, want %v", ran, tt.wantRun)
			}
		})
	}
}

func TestSubjectToken_PrefersOutputFileAfterRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	runner := &fakeRunner{
		out: stdout(echoResponse),
		before: func() {
			if err := os.WriteFile(path, []byte(`{"version":1,"success":true,"token_type":"urn:ietf:params:oauth:token-type:jwt","id_token":"from-file"}`), 0600); err != nil {
				t.Error(err)
			}
		},
	}
	p := newTestProvider(t, &Options{Command: "fetch", OutputFile: path, Runner: runner})
	got, err := p.SubjectToken(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if want := "from-file"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRetrieveSubjectToken_Timeout(t *testing.T) {
	runner := &fakeRunner{block: true, cancelled: make(chan struct{})}
	p := newTestProvider(t, &Options{Command: "fetch", Runner: runner})
	p.timeout = 100 * time.Millisecond

	type result struct {
		token string
		err   error
		at    time.Time
	}
	results := make(chan result, 2)
	start := time.Now()
	p.RetrieveSubjectToken(context.Background(), nil, func(token string, err error) {
		results <- result{token, err, time.Now()}
	})

	var r result
	select {
	case r = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never called")
	}
	if r.token != "" {
		t.Errorf("got token %q, want empty", r.token)
	}
	if !errors.Is(r.err, tokenbroker.ErrTimeout) {
		t.Errorf("got %v, want a timeout error", r.err)
	}
	if elapsed := r.at.Sub(start); elapsed < p.timeout || elapsed > p.timeout+2*time.Second {
		t.Errorf("callback after %v, want about %v", elapsed, p.timeout)
	}

	select {
	case <-runner.cancelled:
	case <-time.After(5 * time.Second):
		t.Error("command was not cancelled after the timeout")
	}
	select {
	case r := <-results:
		t.Errorf("callback called a second time with (%q, %v)", r.token, r.err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRetrieveSubjectToken_CallbackOnce(t *testing.T) {
	p := newTestProvider(t, &Options{Command: "fetch", Runner: &fakeRunner{out: stdout(echoResponse)}})
	var calls atomic.Int32
	done := make(chan struct{})
	p.RetrieveSubjectToken(context.Background(), nil, func(token string, err error) {
		if calls.Add(1) == 1 {
			close(done)
		}
		if err != nil || token != "abc123" {
			t.Errorf("got (%q, %v), want (%q, nil)", token, err, "abc123")
		}
	})
	<-done
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("callback called %d times, want 1", got)
	}
}

func TestSubjectToken_ContextCancelled(t *testing.T) {
	runner := &fakeRunner{block: true, cancelled: make(chan struct{})}
	p := newTestProvider(t, &Options{Command: "fetch", Runner: runner})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := p.SubjectToken(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
	select {
	case <-runner.cancelled:
	case <-time.After(5 * time.Second):
		t.Error("command was not cancelled")
	}
}

func TestSubjectToken_Process(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX commands")
	}

	t.Run("echo", func(t *testing.T) {
		p, err := NewProvider(&Options{Command: "echo " + echoResponse, TimeoutMillis: 5000})
		if err != nil {
			t.Fatal(err)
		}
		got, err := p.SubjectToken(context.Background(), nil)
		if err != nil {
			t.Fatalf("SubjectToken() = %v", err)
		}
		if want := "abc123"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("script reads environment", func(t *testing.T) {
		script := writeScript(t, `#!/bin/sh
echo "{\"version\":1,\"success\":true,\"token_type\":\"$GOOGLE_EXTERNAL_ACCOUNT_TOKEN_TYPE\",\"id_token\":\"$GOOGLE_EXTERNAL_ACCOUNT_AUDIENCE:$GOOGLE_EXTERNAL_ACCOUNT_INTERACTIVE\"}"
`)
		p, err := NewProvider(&Options{Command: script, Audience: "aud", SubjectTokenType: jwtTokenType})
		if err != nil {
			t.Fatal(err)
		}
		got, err := p.SubjectToken(context.Background(), nil)
		if err != nil {
			t.Fatalf("SubjectToken() = %v", err)
		}
		if want := "aud:0"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("exit failure", func(t *testing.T) {
		script := writeScript(t, "#!/bin/sh\necho 'token service unreachable' >&2\nexit 3\n")
		p, err := NewProvider(&Options{Command: script})
		if err != nil {
			t.Fatal(err)
		}
		_, err = p.SubjectToken(context.Background(), nil)
		if !errors.Is(err, tokenbroker.ErrExecution) {
			t.Fatalf("got %v, want an execution error", err)
		}
		if !strings.Contains(err.Error(), "exit code 3: token service unreachable") {
			t.Errorf("got %q, want exit code and stderr", err.Error())
		}
	})

	t.Run("missing program", func(t *testing.T) {
		p, err := NewProvider(&Options{Command: filepath.Join(t.TempDir(), "missing")})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := p.SubjectToken(context.Background(), nil); !errors.Is(err, tokenbroker.ErrExecution) {
			t.Errorf("got %v, want an execution error", err)
		}
	})

	t.Run("timeout releases caller", func(t *testing.T) {
		p, err := NewProvider(&Options{Command: "sleep 30"})
		if err != nil {
			t.Fatal(err)
		}
		p.timeout = 200 * time.Millisecond
		start := time.Now()
		_, err = p.SubjectToken(context.Background(), nil)
		if !errors.Is(err, tokenbroker.ErrTimeout) {
			t.Fatalf("got %v, want a timeout error", err)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("caller released after %v", elapsed)
		}
	})
}

func TestState_String(t *testing.T) {
	want := []string{"Idle", "CheckingCache", "Invoking", "AwaitingResult", "Validating", "Done", "Failed"}
	var got []string
	for s := StateIdle; s <= StateFailed; s++ {
		got = append(got, s.String())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got, want := State(42).String(), "State(42)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fetch-token.sh")
	if err := os.WriteFile(path, []byte(body), 0700); err != nil {
		t.Fatal(err)
	}
	return path
}

func ptr[T any](v T) *T {
	return &v
}
