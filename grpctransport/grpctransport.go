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

// Package grpctransport attaches brokered tokens to gRPC calls.
package grpctransport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"cloud.google.com/go/tokenbroker"
	"cloud.google.com/go/tokenbroker/internal"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpccreds "google.golang.org/grpc/credentials"
	grpcinsecure "google.golang.org/grpc/credentials/insecure"
)

// Options used to configure a [grpc.ClientConn] from [NewClient].
type Options struct {
	// TokenProvider supplies the token sent with every call. Required unless
	// DisableAuthentication is set.
	TokenProvider tokenbroker.TokenProvider
	// DisableAuthentication specifies that no authentication should be used.
	// It is suitable only for testing and for accessing public resources.
	DisableAuthentication bool
	// DisableTelemetry disables default telemetry (OpenTelemetry). An example
	// reason would be to bind custom telemetry that overrides the defaults.
	DisableTelemetry bool
	// InsecureTransport dials without TLS and allows tokens to be sent in
	// plaintext. Use it only for emulators and local tests.
	InsecureTransport bool
	// Metadata is extra gRPC metadata that will be appended to every outgoing
	// request.
	Metadata map[string]string
	// GRPCDialOpts are dial options that will be passed to `grpc.NewClient`.
	GRPCDialOpts []grpc.DialOption
}

func (o *Options) validate() error {
	if o == nil {
		return errors.New("grpctransport: opts required to be non-nil")
	}
	if !o.DisableAuthentication && o.TokenProvider == nil {
		return errors.New("grpctransport: a TokenProvider is required unless authentication is disabled")
	}
	return nil
}

// NewClient returns a [grpc.ClientConn] for target whose calls carry tokens
// from opts.TokenProvider.
func NewClient(target string, opts *Options) (*grpc.ClientConn, error) {
	if err := opts.validate(); err != nil {
		return nil, tokenbroker.NewError(tokenbroker.KindConfig, err)
	}
	var grpcOpts []grpc.DialOption
	if opts.InsecureTransport {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(grpcinsecure.NewCredentials()))
	} else {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(grpccreds.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	if !opts.DisableAuthentication {
		grpcOpts = append(grpcOpts, grpc.WithPerRPCCredentials(&grpcCredentialsProvider{
			tp:       opts.TokenProvider,
			secure:   !opts.InsecureTransport,
			metadata: opts.Metadata,
		}))
	} else if len(opts.Metadata) > 0 {
		grpcOpts = append(grpcOpts, grpc.WithPerRPCCredentials(&grpcCredentialsProvider{
			metadata: opts.Metadata,
		}))
	}
	if !opts.DisableTelemetry {
		grpcOpts = append(grpcOpts, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	}
	// Caller options go last so they can override the defaults above.
	grpcOpts = append(grpcOpts, opts.GRPCDialOpts...)
	return grpc.NewClient(target, grpcOpts...)
}

// NewPerRPCCredentials returns gRPC call credentials that send a token from
// tp as the authorization metadata of every call. If requireTLS is set the
// token is only sent over connections with privacy and integrity.
func NewPerRPCCredentials(tp tokenbroker.TokenProvider, requireTLS bool) grpccreds.PerRPCCredentials {
	return &grpcCredentialsProvider{tp: tp, secure: requireTLS}
}

// grpcCredentialsProvider satisfies https://pkg.go.dev/google.golang.org/grpc/credentials#PerRPCCredentials.
type grpcCredentialsProvider struct {
	tp     tokenbroker.TokenProvider
	secure bool

	// Additional metadata attached as headers. A nil tp sends only these.
	metadata map[string]string
}

func (c *grpcCredentialsProvider) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	metadata := make(map[string]string, len(c.metadata)+1)
	for k, v := range c.metadata {
		metadata[k] = v
	}
	if c.tp == nil {
		return metadata, nil
	}
	if c.secure {
		ri, _ := grpccreds.RequestInfoFromContext(ctx)
		if err := grpccreds.CheckSecurityLevel(ri.AuthInfo, grpccreds.PrivacyAndIntegrity); err != nil {
			return nil, fmt.Errorf("unable to transfer credentials PerRPCCredentials: %v", err)
		}
	}
	token, err := c.tp.Token(ctx)
	if err != nil {
		return nil, err
	}
	typ := token.Type
	if typ == "" {
		typ = internal.TokenTypeBearer
	}
	metadata["authorization"] = typ + " " + token.Value
	return metadata, nil
}

func (c *grpcCredentialsProvider) RequireTransportSecurity() bool {
	return c.secure
}
