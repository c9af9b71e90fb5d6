// Copyright 2025 Google LLC
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

package httptransport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewClient_OpenTelemetry(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name       string
		opts       *Options
		statusCode int
		wantSpans  int
		wantSpan   sdktrace.ReadOnlySpan
	}{
		{
			name:       "telemetry enabled success",
			opts:       &Options{TokenProvider: staticTP("fakeToken")},
			statusCode: http.StatusOK,
			wantSpans:  1,
			wantSpan: tracetest.SpanStub{
				Name:     "HTTP GET",
				SpanKind: oteltrace.SpanKindClient,
				Status: sdktrace.Status{
					Code: codes.Unset,
				},
				Attributes: []attribute.KeyValue{
					attribute.Key("http.request.method").String("GET"),
					attribute.Key("http.response.status_code").Int(200),
				},
			}.Snapshot(),
		},
		{
			name:       "telemetry enabled error",
			opts:       &Options{DisableAuthentication: true},
			statusCode: http.StatusInternalServerError,
			wantSpans:  1,
			wantSpan: tracetest.SpanStub{
				Name:     "HTTP GET",
				SpanKind: oteltrace.SpanKindClient,
				Status: sdktrace.Status{
					Code: codes.Error,
				},
				Attributes: []attribute.KeyValue{
					attribute.Key("http.request.method").String("GET"),
					attribute.Key("http.response.status_code").Int(500),
					attribute.Key("error.type").String("500"),
				},
			}.Snapshot(),
		},
		{
			name: "telemetry disabled",
			opts: &Options{
				TokenProvider:    staticTP("fakeToken"),
				DisableTelemetry: true,
			},
			statusCode: http.StatusOK,
			wantSpans:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter.Reset()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			client, err := NewClient(tt.opts)
			if err != nil {
				t.Fatalf("NewClient() = %v, want nil", err)
			}
			resp, err := client.Get(server.URL)
			if err != nil {
				t.Fatalf("client.Get() = %v, want nil", err)
			}
			resp.Body.Close()

			spans := exporter.GetSpans()
			if len(spans) != tt.wantSpans {
				t.Fatalf("len(spans) = %d, want %d", len(spans), tt.wantSpans)
			}
			if tt.wantSpans == 0 {
				return
			}
			span := spans[0]
			if diff := cmp.Diff(tt.wantSpan.Name(), span.Name); diff != "" {
				t.Errorf("span.Name mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantSpan.SpanKind(), span.SpanKind); diff != "" {
				t.Errorf("span.SpanKind mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantSpan.Status().Code, span.Status.Code); diff != "" {
				t.Errorf("span.Status mismatch (-want +got):\n%s", diff)
			}
			gotAttrs := map[attribute.Key]attribute.Value{}
			for _, attr := range span.Attributes {
				gotAttrs[attr.Key] = attr.Value
			}
			for _, wantAttr := range tt.wantSpan.Attributes() {
				gotVal, ok := gotAttrs[wantAttr.Key]
				if !ok {
					t.Errorf("missing attribute: %s", wantAttr.Key)
					continue
				}
				if diff := cmp.Diff(wantAttr.Value, gotVal, cmp.AllowUnexported(attribute.Value{})); diff != "" {
					t.Errorf("attribute %s mismatch (-want +got):\n%s", wantAttr.Key, diff)
				}
			}
		})
	}
}
