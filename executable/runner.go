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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"cloud.google.com/go/tokenbroker"
)

// waitDelay bounds how long Run waits for the command's output pipes to close
// after the process has been killed.
const waitDelay = time.Second

// Runner runs a credential command.
//
// Run blocks until the command exits or ctx is done, whichever comes first.
// A command that ran but exited unsuccessfully is not an error; it is
// reported through [Output.ExitCode]. Run does not impose a deadline of its
// own.
type Runner interface {
	Run(ctx context.Context, command string, env []string) (*Output, error)
}

// Output is what a command produced.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Success reports whether the command exited with status zero.
func (o *Output) Success() bool {
	return o != nil && o.ExitCode == 0
}

// CommandRunner runs commands as local processes with an empty standard
// input. The command is split on whitespace; the first field is the program.
// When ctx is done the process is killed, together with any processes it
// started on platforms that support process groups.
type CommandRunner struct{}

// Run implements [Runner].
func (CommandRunner) Run(ctx context.Context, command string, env []string) (*Output, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, tokenbroker.NewError(tokenbroker.KindExecution, errors.New("executable: empty command"))
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Env = env
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, tokenbroker.NewError(tokenbroker.KindExecution, fmt.Errorf("executable: command failed to start: %w", err))
		}
		return &Output{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			ExitCode: exitErr.ExitCode(),
		}, nil
	}
	return &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}
