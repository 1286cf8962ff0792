// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

// Script uploads a script body to the target over SFTP, runs it through
// the declared interpreter, and removes it. Longer than inlining the
// body in a shell line, but immune to quoting and length limits.
type Script struct{}

// Execute implements Executor.
func (Script) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	body := payloadString(sc.Step, "script")
	if strings.TrimSpace(body) == "" {
		return nil, &errors.ValidationError{Field: "script", Message: "script body is empty"}
	}
	if len(body) > maxCommandLength {
		return nil, &errors.SafetyError{
			Reason: fmt.Sprintf("script exceeds %d byte limit (%d bytes)", maxCommandLength, len(body)),
		}
	}
	interpreter := payloadString(sc.Step, "interpreter")
	if interpreter == "" {
		interpreter = "/bin/sh"
	}

	client, err := dialSSH(ctx, sc)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	remotePath := fmt.Sprintf("/tmp/opsconductor-%s", sc.Step.ID)
	if err := uploadScript(client, remotePath, body); err != nil {
		return nil, err
	}
	defer removeScript(client, remotePath)

	session, err := client.NewSession()
	if err != nil {
		return nil, &errors.TransientError{Operation: "ssh session", Cause: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = newCapWriter(&stdout, maxCapturedOutput)
	session.Stderr = newCapWriter(&stderr, maxCapturedOutput)

	command := fmt.Sprintf("%s %s", interpreter, shellQuote(remotePath))
	if args := payloadStrings(sc.Step, "args"); len(args) > 0 {
		quoted := make([]string, len(args))
		for i, a := range args {
			quoted[i] = shellQuote(a)
		}
		command += " " + strings.Join(quoted, " ")
	}

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		client.Close()
		<-done
		return nil, &errors.TimeoutError{Operation: "script", Duration: time.Since(started), Cause: ctx.Err()}
	case err = <-done:
	}

	result := &Result{
		Status: store.StepSucceeded,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Metrics: map[string]any{
			"duration_ms": time.Since(started).Milliseconds(),
			"interpreter": interpreter,
		},
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if stderrors.As(err, &exitErr) {
			result.Status = store.StepFailed
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &errors.TransientError{Operation: "script", Cause: err}
	}
	return result, nil
}

func uploadScript(client *ssh.Client, remotePath, body string) error {
	ftp, err := sftp.NewClient(client)
	if err != nil {
		return &errors.TransientError{Operation: "sftp subsystem", Cause: err}
	}
	defer ftp.Close()

	f, err := ftp.Create(remotePath)
	if err != nil {
		return &errors.TransientError{Operation: "script upload", Cause: err}
	}
	if _, err := f.Write([]byte(body)); err != nil {
		f.Close()
		return &errors.TransientError{Operation: "script upload", Cause: err}
	}
	if err := f.Close(); err != nil {
		return &errors.TransientError{Operation: "script upload", Cause: err}
	}
	return ftp.Chmod(remotePath, 0o700)
}

func removeScript(client *ssh.Client, remotePath string) {
	ftp, err := sftp.NewClient(client)
	if err != nil {
		return
	}
	defer ftp.Close()
	ftp.Remove(remotePath)
}
