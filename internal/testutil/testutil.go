// Copyright 2026 Google LLC
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

// Package testutil contains helper functions for writing tests.
package testutil

import (
	"os"
	"testing"
)

const (
	envProjID      = "GCLOUD_TESTS_GOLANG_PROJECT_ID"
	envBucket      = "GCLOUD_TESTS_GOLANG_DOWNSCOPE_BUCKET"
	envIntegration = "GCLOUD_TESTS_GOLANG_TOKENBROKER_INTEGRATION"
)

// ProjID returns the project ID to use in integration tests, or the empty
// string if none is configured.
func ProjID() string {
	return os.Getenv(envProjID)
}

// Bucket returns the Cloud Storage bucket used by downscoping integration
// tests, or the empty string if none is configured.
func Bucket() string {
	return os.Getenv(envBucket)
}

// IntegrationTestCheck skips t in short mode and when integration tests are
// not enabled.
func IntegrationTestCheck(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv(envIntegration) == "" {
		t.Skipf("skipping integration test, set %s to run it", envIntegration)
	}
	if ProjID() == "" {
		t.Skipf("skipping integration test, set %s to run it", envProjID)
	}
}
