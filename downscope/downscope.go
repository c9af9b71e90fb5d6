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

package downscope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/tokenbroker"
	"cloud.google.com/go/tokenbroker/async"
	"cloud.google.com/go/tokenbroker/internal"
	"cloud.google.com/go/tokenbroker/internal/trace"
	"cloud.google.com/go/tokenbroker/sts"
	"github.com/googleapis/gax-go/v2/internallog"
)

const maxRules = 10

var (
	// for testing
	timeNow = time.Now
)

// Options for configuring [NewBroker].
type Options struct {
	// Credentials provides the token that is downscoped. It may be shared
	// by several brokers. Required.
	Credentials tokenbroker.TokenProvider
	// Rules defines the accesses held by the new downscoped credentials. One or
	// more AccessBoundaryRules are required to define permissions for the new
	// downscoped credentials. Each one defines an access (or set of accesses)
	// that the new credentials has to a given resource. There can be a maximum
	// of 10 AccessBoundaryRules. Exactly one of Rules or AccessBoundary is
	// required.
	Rules []AccessBoundaryRule
	// AccessBoundary is a complete Credential Access Boundary document. It
	// must be a JSON object and is sent as is. Exactly one of Rules or
	// AccessBoundary is required.
	AccessBoundary json.RawMessage
	// Exchanger performs the token exchange. Optional, defaults to an
	// [sts.Client] for UniverseDomain.
	Exchanger sts.Exchanger
	// Client configures the underlying client used to make network requests
	// when fetching tokens. Ignored if Exchanger is set. Optional.
	Client *http.Client
	// UniverseDomain is the default service domain for a given Cloud universe.
	// The default value is "googleapis.com". Optional.
	UniverseDomain string
	// Logger is used for debug logging. If provided, logging will be enabled
	// at the loggers configured level. By default logging is disabled unless
	// enabled by setting GOOGLE_SDK_GO_LOGGING_LEVEL in which case a default
	// logger will be used. Optional.
	Logger *slog.Logger
}

func (o *Options) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return internal.CloneDefaultClient()
}

func (o *Options) exchanger() sts.Exchanger {
	if o.Exchanger != nil {
		return o.Exchanger
	}
	return &sts.Client{
		Endpoint:   sts.Endpoint(o.UniverseDomain),
		HTTPClient: o.client(),
		Logger:     o.Logger,
	}
}

// accessBoundary returns the boundary document the options describe.
func (o *Options) accessBoundary() (json.RawMessage, error) {
	switch {
	case len(o.AccessBoundary) > 0 && len(o.Rules) > 0:
		return nil, errors.New("downscope: only one of AccessBoundary or Rules may be set")
	case len(o.Rules) > 0:
		return NewAccessBoundary(o.Rules...)
	case len(o.AccessBoundary) == 0:
		return nil, errors.New("downscope: length of AccessBoundaryRules must be at least 1")
	}
	b := bytes.TrimSpace(o.AccessBoundary)
	if !json.Valid(b) || b[0] != '{' {
		return nil, errors.New("downscope: AccessBoundary must be a JSON object")
	}
	return append(json.RawMessage(nil), o.AccessBoundary...), nil
}

// An AccessBoundaryRule Sets the permissions (and optionally conditions) that
// the new token has on given resource.
type AccessBoundaryRule struct {
	// AvailableResource is the full resource name of the Cloud Storage bucket
	// that the rule applies to. Use the format
	// //storage.googleapis.com/projects/_/buckets/bucket-name.
	AvailableResource string `json:"availableResource"`
	// AvailablePermissions is a list that defines the upper bound on the available permissions
	// for the resource. Each value is the identifier for an IAM predefined role or custom role,
	// with the prefix inRole:. For example: inRole:roles/storage.objectViewer.
	// Only the permissions in these roles will be available.
	AvailablePermissions []string `json:"availablePermissions"`
	// An Condition restricts the availability of permissions
	// to specific Cloud Storage objects. Optional.
	//
	// A Condition can be used to make permissions available for specific objects,
	// rather than all objects in a Cloud Storage bucket.
	Condition *AvailabilityCondition `json:"availabilityCondition,omitempty"`
}

// An AvailabilityCondition restricts access to a given Resource.
type AvailabilityCondition struct {
	// An Expression specifies the Cloud Storage objects where
	// permissions are available. For further documentation, see
	// https://cloud.google.com/iam/docs/conditions-overview. Required.
	Expression string `json:"expression"`
	// Title is short string that identifies the purpose of the condition. Optional.
	Title string `json:"title,omitempty"`
	// Description details about the purpose of the condition. Optional.
	Description string `json:"description,omitempty"`
}

type downscopedOptions struct {
	Boundary accessBoundary `json:"accessBoundary"`
}

type accessBoundary struct {
	AccessBoundaryRules []AccessBoundaryRule `json:"accessBoundaryRules"`
}

// NewAccessBoundary returns the Credential Access Boundary document for
// rules.
func NewAccessBoundary(rules ...AccessBoundaryRule) (json.RawMessage, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("downscope: length of AccessBoundaryRules must be at least 1")
	}
	if len(rules) > maxRules {
		return nil, fmt.Errorf("downscope: length of AccessBoundaryRules may not be greater than %d", maxRules)
	}
	for _, val := range rules {
		if val.AvailableResource == "" {
			return nil, fmt.Errorf("downscope: all rules must have a nonempty AvailableResource")
		}
		if len(val.AvailablePermissions) == 0 {
			return nil, fmt.Errorf("downscope: all rules must provide at least one permission")
		}
	}
	return json.Marshal(downscopedOptions{
		Boundary: accessBoundary{AccessBoundaryRules: rules},
	})
}

// Broker mints downscoped tokens from an upstream provider. It holds no
// state besides its configuration and is safe for concurrent use.
type Broker struct {
	upstream  tokenbroker.TokenProvider
	boundary  json.RawMessage
	exchanger sts.Exchanger
	logger    *slog.Logger
}

// NewBroker returns a Broker for opts. Invalid options are reported as a
// [tokenbroker.KindConfig] error.
func NewBroker(opts *Options) (*Broker, error) {
	if opts == nil {
		return nil, configError(errors.New("downscope: providing opts is required"))
	}
	if opts.Credentials == nil {
		return nil, configError(errors.New("downscope: Credentials cannot be nil"))
	}
	boundary, err := opts.accessBoundary()
	if err != nil {
		return nil, configError(err)
	}
	return &Broker{
		upstream:  opts.Credentials,
		boundary:  boundary,
		exchanger: opts.exchanger(),
		logger:    internallog.New(opts.Logger),
	}, nil
}

// FetchToken starts fetching a downscoped token and returns immediately. cb
// is called exactly once from another goroutine, with a nil token on error.
// Calling the returned cancel func before cb has run abandons the fetch, and
// cb then receives [context.Canceled].
func (b *Broker) FetchToken(ctx context.Context, cb func(*tokenbroker.Token, error)) (cancel func()) {
	ctx, cancel = context.WithCancel(ctx)
	b.TokenAsync(ctx).Notify(ctx, func(tok *tokenbroker.Token, err error) {
		defer cancel()
		if err != nil {
			cb(nil, err)
			return
		}
		cb(tok, nil)
	})
	return cancel
}

// Token returns a downscoped token, blocking until it is available.
func (b *Broker) Token(ctx context.Context) (*tokenbroker.Token, error) {
	return b.TokenAsync(ctx).Await(ctx)
}

// TokenAsync starts fetching a downscoped token and returns a future for it.
// Together with Token this makes a Broker usable as the upstream of another
// Broker.
func (b *Broker) TokenAsync(ctx context.Context) *async.Future[*tokenbroker.Token] {
	ctx = trace.StartSpan(ctx, "downscope.FetchToken")
	source := async.Go(ctx, b.sourceToken)
	f := async.Then(ctx, source, b.exchange)
	f.Notify(ctx, func(_ *tokenbroker.Token, err error) {
		trace.EndSpan(ctx, err)
	})
	return f
}

// sourceToken is the first stage: the upstream token.
func (b *Broker) sourceToken(ctx context.Context) (*tokenbroker.Token, error) {
	tok, err := tokenbroker.TokenAsync(ctx, b.upstream).Await(ctx)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, tokenbroker.NewError(tokenbroker.KindUpstreamAuth, fmt.Errorf("downscope: unable to obtain root token: %w", err))
	}
	if tok == nil || tok.Value == "" {
		return nil, tokenbroker.NewError(tokenbroker.KindUpstreamAuth, errors.New("downscope: upstream credential returned an empty token"))
	}
	return tok, nil
}

// exchange is the second stage: trading the upstream token for a downscoped
// one.
func (b *Broker) exchange(ctx context.Context, tok *tokenbroker.Token) (*tokenbroker.Token, error) {
	b.logger.DebugContext(ctx, "downscope: exchanging token")
	resp, err := b.exchanger.Exchange(ctx, &sts.Request{
		GrantType:          sts.GrantTypeTokenExchange,
		SubjectToken:       tok.Value,
		SubjectTokenType:   sts.TokenTypeAccessToken,
		RequestedTokenType: sts.TokenTypeAccessToken,
		Options:            b.boundary,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if tokenbroker.KindOf(err) != tokenbroker.KindExchange {
			err = tokenbroker.NewError(tokenbroker.KindExchange, fmt.Errorf("downscope: unable to exchange token: %w", err))
		}
		return nil, err
	}

	// An exchanged token that is derived from a service account (2LO) has an
	// expired_in value a token derived from a users token (3LO) does not.
	// The following code uses the time remaining on rootToken for a user as the
	// value for the derived token's lifetime.
	var expiryTime time.Time
	if resp.ExpiresIn > 0 {
		expiryTime = timeNow().Add(time.Duration(resp.ExpiresIn) * time.Second)
	} else {
		expiryTime = tok.Expiry
	}
	typ := resp.TokenType
	if typ == "" {
		typ = internal.TokenTypeBearer
	}
	return &tokenbroker.Token{
		Value:  resp.AccessToken,
		Type:   typ,
		Expiry: expiryTime,
	}, nil
}

func configError(err error) error {
	return tokenbroker.NewError(tokenbroker.KindConfig, err)
}
