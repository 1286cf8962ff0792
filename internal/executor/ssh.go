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
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/opsconductor/opsconductor/internal/credentials"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

const (
	defaultSSHPort    = 22
	sshConnectTimeout = 15 * time.Second

	// maxCapturedOutput bounds stdout/stderr persisted per stream.
	maxCapturedOutput = 1 << 20
)

// SSHExec runs a shell command over SSH.
type SSHExec struct{}

// Execute implements Executor.
func (SSHExec) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	command := payloadString(sc.Step, "command")
	warnings, err := CheckCommand(command)
	if err != nil {
		return nil, err
	}
	if dir := payloadString(sc.Step, "working_directory"); dir != "" {
		command = fmt.Sprintf("cd %s && %s", shellQuote(dir), command)
	}

	client, err := dialSSH(ctx, sc)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, &errors.TransientError{Operation: "ssh session", Cause: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = newCapWriter(&stdout, maxCapturedOutput)
	session.Stderr = newCapWriter(&stderr, maxCapturedOutput)

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		// Best effort: most sshds ignore signals, so drop the connection.
		session.Signal(ssh.SIGKILL)
		client.Close()
		<-done
		return nil, &errors.TimeoutError{Operation: "ssh exec", Duration: time.Since(started), Cause: ctx.Err()}
	case err = <-done:
	}

	result := &Result{
		Status: store.StepSucceeded,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Metrics: map[string]any{
			"duration_ms": time.Since(started).Milliseconds(),
			"host":        sc.Step.TargetHostname,
		},
	}
	for _, w := range warnings {
		sc.Logger.Warn("command safety warning", "step_id", sc.Step.ID, "warning", w)
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if stderrors.As(err, &exitErr) {
			result.Status = store.StepFailed
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &errors.TransientError{Operation: "ssh exec", Cause: err}
	}
	return result, nil
}

// SSHCopy transfers a single file over the SFTP subsystem, both
// directions. Multi-file trees go through the sftp.sync executor.
type SSHCopy struct{}

// Execute implements Executor.
func (SSHCopy) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	localPath := payloadString(sc.Step, "local_path")
	remotePath := payloadString(sc.Step, "remote_path")
	if localPath == "" || remotePath == "" {
		return nil, &errors.ValidationError{Field: "local_path", Message: "both local_path and remote_path are required"}
	}
	download := payloadString(sc.Step, "direction") == "download"

	client, err := dialSSH(ctx, sc)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	ftp, err := sftp.NewClient(client)
	if err != nil {
		return nil, &errors.TransientError{Operation: "sftp subsystem", Cause: err}
	}
	defer ftp.Close()

	started := time.Now()
	var written int64
	if download {
		written, err = copyRemoteToLocal(ftp, remotePath, localPath)
	} else {
		written, err = copyLocalToRemote(ftp, localPath, remotePath)
	}
	if err != nil {
		return nil, err
	}

	result := succeeded(fmt.Sprintf("copied %d bytes", written))
	result.Metrics["bytes"] = written
	result.Metrics["duration_ms"] = time.Since(started).Milliseconds()
	result.Metrics["direction"] = map[bool]string{true: "download", false: "upload"}[download]
	return result, nil
}

// dialSSH opens an authenticated SSH connection to the step's target.
// Key auth is tried before password; a WinRM port on the target record
// is treated as a misconfiguration and replaced with 22.
func dialSSH(ctx context.Context, sc StepContext) (*ssh.Client, error) {
	host := sc.Step.TargetHostname
	if host == "" {
		return nil, &errors.ValidationError{Field: "target", Message: "step has no target hostname"}
	}

	port := payloadInt(sc.Step, "target_port", defaultSSHPort)
	if port == 0 || port == 5985 || port == 5986 {
		port = defaultSSHPort
	}

	cfg, err := sshClientConfig(sc.Secret)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: sshConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, &errors.TransientError{Operation: "ssh connect", Cause: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, host, cfg)
	if err != nil {
		conn.Close()
		// Auth rejection is not transient; retrying the same credential
		// only locks the account faster.
		if stderrors.Is(err, ctx.Err()) {
			return nil, err
		}
		return nil, &errors.ProtocolError{Protocol: "ssh", Message: fmt.Sprintf("handshake with %s failed: %v", host, err)}
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func sshClientConfig(secret *credentials.Secret) (*ssh.ClientConfig, error) {
	if secret == nil || secret.Username == "" {
		return nil, &errors.ValidationError{Field: "credential", Message: "ssh step requires a credential with a username"}
	}

	var methods []ssh.AuthMethod
	if secret.PrivateKey != "" {
		signer, err := parsePrivateKey(secret)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if secret.Password != "" {
		methods = append(methods, ssh.Password(secret.Password))
	}
	if len(methods) == 0 {
		return nil, &errors.ValidationError{Field: "credential", Message: "ssh credential has neither key nor password"}
	}

	return &ssh.ClientConfig{
		User: secret.Username,
		Auth: methods,
		// Targets come from the asset registry, not user input; host key
		// pinning is tracked as a registry feature.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshConnectTimeout,
	}, nil
}

func parsePrivateKey(secret *credentials.Secret) (ssh.Signer, error) {
	key := []byte(secret.PrivateKey)
	var signer ssh.Signer
	var err error
	if secret.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(secret.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, &errors.ValidationError{Field: "credential", Message: fmt.Sprintf("unparseable private key: %v", err)}
	}
	return signer, nil
}

func copyLocalToRemote(ftp *sftp.Client, localPath, remotePath string) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, &errors.ValidationError{Field: "local_path", Message: err.Error()}
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", localPath, err)
	}

	if err := ftp.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, &errors.TransientError{Operation: "sftp mkdir", Cause: err}
	}
	dst, err := ftp.Create(remotePath)
	if err != nil {
		return 0, &errors.TransientError{Operation: "sftp create", Cause: err}
	}
	defer dst.Close()

	written, err := dst.ReadFrom(src)
	if err != nil {
		return written, &errors.TransientError{Operation: "sftp write", Cause: err}
	}
	if err := ftp.Chmod(remotePath, info.Mode().Perm()); err != nil {
		return written, &errors.TransientError{Operation: "sftp chmod", Cause: err}
	}
	return written, nil
}

func copyRemoteToLocal(ftp *sftp.Client, remotePath, localPath string) (int64, error) {
	src, err := ftp.Open(remotePath)
	if err != nil {
		return 0, &errors.ValidationError{Field: "remote_path", Message: err.Error()}
	}
	defer src.Close()

	if err := os.MkdirAll(path.Dir(localPath), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", path.Dir(localPath), err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", localPath, err)
	}
	defer dst.Close()

	written, err := src.WriteTo(dst)
	if err != nil {
		return written, &errors.TransientError{Operation: "sftp read", Cause: err}
	}
	return written, nil
}

// shellQuote wraps a path in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
