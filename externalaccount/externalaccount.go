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

// Package externalaccount turns subject tokens produced by an executable
// into Google Cloud access tokens. The subject token is exchanged at the
// Security Token Service and, when a service account impersonation URL is
// configured, the exchanged token is in turn used to impersonate that
// service account.
//
// Tokens returned by these providers make good upstream credentials for a
// [cloud.google.com/go/tokenbroker/downscope.Broker].
package externalaccount

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"cloud.google.com/go/tokenbroker"
	"cloud.google.com/go/tokenbroker/executable"
	"cloud.google.com/go/tokenbroker/impersonate"
	"cloud.google.com/go/tokenbroker/internal"
	"cloud.google.com/go/tokenbroker/internal/credsfile"
	"cloud.google.com/go/tokenbroker/sts"
	"github.com/googleapis/gax-go/v2/internallog"
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
)

var (
	// Now aliases time.Now for testing
	Now = func() time.Time {
		return time.Now().UTC()
	}
	validWorkforceAudiencePattern *regexp.Regexp = regexp.MustCompile(`//iam\.googleapis\.com/locations/[^/]+/workforcePools/`)
)

// Options stores the configuration for fetching tokens with external
// credentials.
type Options struct {
	// Audience is the Secure Token Service (STS) audience which contains the
	// resource name for the workload identity pool or the workforce pool and
	// the provider identifier in that pool.
	Audience string
	// SubjectTokenType is the STS token type based on the Oauth2.0 token
	// exchange RFC 8693, e.g. "urn:ietf:params:oauth:token-type:jwt".
	SubjectTokenType string
	// TokenURL is the STS token exchange endpoint. Optional, defaults to the
	// endpoint of UniverseDomain.
	TokenURL string
	// ServiceAccountImpersonationURL is the URL for the service account
	// impersonation request. This is only required for workload identity
	// pools when APIs to be accessed have not integrated with
	// UberMint.
	ServiceAccountImpersonationURL string
	// ServiceAccountImpersonationLifetimeSeconds is the number of seconds the
	// service account impersonation token will be valid for. Optional.
	ServiceAccountImpersonationLifetimeSeconds int
	// ClientSecret is currently only required if token_info endpoint also
	// needs to be called with the generated GCP access token. When provided,
	// STS will be called with additional basic authentication using ClientID
	// as username and ClientSecret as password.
	ClientSecret string
	// ClientID is only required in conjunction with ClientSecret, as
	// described above.
	ClientID string
	// Executable configures the command that produces subject tokens.
	// Audience, SubjectTokenType, ServiceAccountImpersonationURL and Logger
	// are filled in from the fields above when unset. Required.
	Executable *executable.Options
	// Scopes contains the desired scopes for the returned access token.
	// Optional, defaults to the cloud-platform scope.
	Scopes []string
	// WorkforcePoolUserProject is the workforce pool user project number when
	// the credential corresponds to a workforce pool and not a workload
	// Identity pool. The underlying principal must still have
	// serviceusage.services.use IAM permission to use the project for
	// billing/quota.
	WorkforcePoolUserProject string
	// UniverseDomain is the default service domain for a given Cloud universe.
	// Optional, defaults to "googleapis.com".
	UniverseDomain string
	// Client configures the underlying client used to make network requests
	// when fetching tokens. Optional.
	Client *http.Client
	// Logger is used for debug logging. If provided, logging will be enabled
	// at the loggers configured level. By default logging is disabled unless
	// enabled by setting GOOGLE_SDK_GO_LOGGING_LEVEL in which case a default
	// logger will be used. Optional.
	Logger *slog.Logger
}

func (o *Options) validate() error {
	if o == nil {
		return errors.New("externalaccount: opts must be provided")
	}
	if o.Audience == "" {
		return errors.New("externalaccount: Audience must be set")
	}
	if o.SubjectTokenType == "" {
		return errors.New("externalaccount: SubjectTokenType must be set")
	}
	if o.Executable == nil {
		return errors.New("externalaccount: an executable credential source must be set")
	}
	if o.WorkforcePoolUserProject != "" {
		if valid := validWorkforceAudiencePattern.MatchString(o.Audience); !valid {
			return fmt.Errorf("externalaccount: workforce_pool_user_project should not be set for non-workforce pool credentials")
		}
	}
	if o.ServiceAccountImpersonationLifetimeSeconds < 0 {
		return fmt.Errorf("externalaccount: invalid service account impersonation lifetime %ds", o.ServiceAccountImpersonationLifetimeSeconds)
	}
	return nil
}

func (o *Options) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return internal.CloneDefaultClient()
}

func (o *Options) tokenURL() string {
	if o.TokenURL != "" {
		return o.TokenURL
	}
	return sts.Endpoint(o.UniverseDomain)
}

// executableOptions returns a copy of o.Executable completed from o.
func (o *Options) executableOptions() *executable.Options {
	eo := *o.Executable
	if eo.Audience == "" {
		eo.Audience = o.Audience
	}
	if eo.SubjectTokenType == "" {
		eo.SubjectTokenType = o.SubjectTokenType
	}
	if eo.ServiceAccountImpersonationURL == "" {
		eo.ServiceAccountImpersonationURL = o.ServiceAccountImpersonationURL
	}
	if eo.Logger == nil {
		eo.Logger = o.Logger
	}
	return &eo
}

// NewTokenProvider returns a cached [tokenbroker.TokenProvider] configured
// with the provided options. Invalid options are reported as a
// [tokenbroker.KindConfig] error.
func NewTokenProvider(opts *Options) (tokenbroker.TokenProvider, error) {
	if err := opts.validate(); err != nil {
		return nil, configError(err)
	}
	stp, err := executable.NewProvider(opts.executableOptions())
	if err != nil {
		return nil, err
	}

	tp := &tokenProvider{
		opts:      opts,
		subjectTP: stp,
		exchanger: &sts.Client{
			Endpoint:   opts.tokenURL(),
			HTTPClient: opts.client(),
			Auth: &sts.ClientAuthentication{
				Style:        sts.StyleInHeader,
				ClientID:     opts.ClientID,
				ClientSecret: opts.ClientSecret,
			},
			Logger: opts.Logger,
		},
		logger: internallog.New(opts.Logger),
	}
	if opts.ServiceAccountImpersonationURL == "" {
		return tokenbroker.NewCachedTokenProvider(tp, nil), nil
	}

	// The exchanged token only authorizes the impersonation call. The
	// requested scopes apply to the impersonated token.
	tp.scopes = []string{cloudPlatformScope}
	imp, err := impersonate.NewTokenProvider(&impersonate.Options{
		Base:           tokenbroker.NewCachedTokenProvider(tp, nil),
		URL:            opts.ServiceAccountImpersonationURL,
		UniverseDomain: opts.UniverseDomain,
		Scopes:         opts.Scopes,
		Lifetime:       time.Duration(opts.ServiceAccountImpersonationLifetimeSeconds) * time.Second,
		Client:         opts.Client,
		Logger:         opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return imp, nil
}

// OptionsFromJSON builds Options from an "external_account" credentials
// file whose credential source is an executable. Other credential sources
// are reported as a [tokenbroker.KindConfig] error.
func OptionsFromJSON(b []byte) (*Options, error) {
	typ, err := credsfile.ParseFileType(b)
	if err != nil {
		return nil, configError(err)
	}
	if typ != credsfile.ExternalAccountKey {
		return nil, configError(fmt.Errorf("externalaccount: unsupported credential type %v", typ))
	}
	f, err := credsfile.ParseExternalAccount(b)
	if err != nil {
		return nil, configError(err)
	}
	if f.CredentialSource == nil {
		return nil, configError(errors.New("externalaccount: credential_source must be set"))
	}
	if kind := f.CredentialSource.Kind(); kind != "executable" {
		return nil, configError(fmt.Errorf("externalaccount: credential source %q is not supported", kind))
	}
	execOpts, err := executable.OptionsFromFile(f.CredentialSource.Executable)
	if err != nil {
		return nil, err
	}
	opts := &Options{
		Audience:                       f.Audience,
		SubjectTokenType:               f.SubjectTokenType,
		TokenURL:                       f.TokenURL,
		ServiceAccountImpersonationURL: f.ServiceAccountImpersonationURL,
		ClientSecret:                   f.ClientSecret,
		ClientID:                       f.ClientID,
		Executable:                     execOpts,
		WorkforcePoolUserProject:       f.WorkforcePoolUserProject,
		UniverseDomain:                 f.UniverseDomain,
	}
	if f.ServiceAccountImpersonation != nil {
		opts.ServiceAccountImpersonationLifetimeSeconds = f.ServiceAccountImpersonation.TokenLifetimeSeconds
	}
	return opts, nil
}

// NewTokenProviderFromJSON is a shorthand for [OptionsFromJSON] followed by
// [NewTokenProvider] with the given scopes.
func NewTokenProviderFromJSON(b []byte, scopes ...string) (tokenbroker.TokenProvider, error) {
	opts, err := OptionsFromJSON(b)
	if err != nil {
		return nil, err
	}
	opts.Scopes = scopes
	return NewTokenProvider(opts)
}

// subjectTokenProvider is the part of [executable.Provider] used here.
type subjectTokenProvider interface {
	SubjectToken(ctx context.Context, opts *executable.RequestOptions) (string, error)
}

type tokenProvider struct {
	opts      *Options
	subjectTP subjectTokenProvider
	exchanger sts.Exchanger
	logger    *slog.Logger

	// scopes overrides opts.Scopes for the exchange.
	scopes []string
}

func (tp *tokenProvider) Token(ctx context.Context) (*tokenbroker.Token, error) {
	opts := tp.opts

	subjectToken, err := tp.subjectTP.SubjectToken(ctx, &executable.RequestOptions{
		Audience:         opts.Audience,
		SubjectTokenType: opts.SubjectTokenType,
	})
	if err != nil {
		return nil, err
	}

	req := &sts.Request{
		GrantType:          sts.GrantTypeTokenExchange,
		Audience:           opts.Audience,
		Scope:              tp.exchangeScopes(),
		RequestedTokenType: sts.TokenTypeAccessToken,
		SubjectToken:       subjectToken,
		SubjectTokenType:   opts.SubjectTokenType,
	}
	// Do not pass workforce_pool_user_project when client authentication
	// is used. The client ID is sufficient.
	if opts.WorkforcePoolUserProject != "" && opts.ClientID == "" {
		options, err := json.Marshal(map[string]string{"userProject": opts.WorkforcePoolUserProject})
		if err != nil {
			return nil, err
		}
		req.Options = options
	}
	tp.logger.DebugContext(ctx, "externalaccount: exchanging subject token", "audience", opts.Audience)
	stsResp, err := tp.exchanger.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if stsResp.ExpiresIn <= 0 {
		return nil, tokenbroker.NewError(tokenbroker.KindExchange, fmt.Errorf("externalaccount: got invalid expiry from security token service"))
	}
	typ := stsResp.TokenType
	if typ == "" {
		typ = internal.TokenTypeBearer
	}
	return &tokenbroker.Token{
		Value:  stsResp.AccessToken,
		Type:   typ,
		Expiry: Now().Add(time.Duration(stsResp.ExpiresIn) * time.Second),
	}, nil
}

func (tp *tokenProvider) exchangeScopes() []string {
	if tp.scopes != nil {
		return tp.scopes
	}
	if len(tp.opts.Scopes) > 0 {
		return tp.opts.Scopes
	}
	return []string{cloudPlatformScope}
}

func configError(err error) error {
	return tokenbroker.NewError(tokenbroker.KindConfig, err)
}
