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
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/masterzen/winrm"

	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

const (
	defaultWinRMPort    = 5985
	defaultWinRMPortTLS = 5986
	winrmConnectTimeout = 30 * time.Second

	// winrmCopyChunk is the base64 payload size per Add-Content call.
	// WinRM rejects command lines much past 8K.
	winrmCopyChunk = 4000
)

// WinRMExec runs a command on a Windows target, either verbatim
// (winrm.exec) or generated from a named inspection (windows.command).
type WinRMExec struct{}

// Execute implements Executor.
func (WinRMExec) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	command := payloadString(sc.Step, "command")
	shell := payloadString(sc.Step, "shell")
	if shell == "" {
		shell = "powershell"
	}

	if sc.Step.Type == "windows.command" {
		generated, err := generateWindowsCommand(sc.Step)
		if err != nil {
			return nil, err
		}
		command = generated
		shell = "powershell"
	}

	warnings, err := CheckCommand(command)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		sc.Logger.Warn("command safety warning", "step_id", sc.Step.ID, "warning", w)
	}

	client, err := dialWinRM(ctx, sc)
	if err != nil {
		return nil, err
	}

	if shell == "powershell" {
		command = winrm.Powershell(command)
	}

	var stdout, stderr bytes.Buffer
	started := time.Now()
	exitCode, err := client.RunWithContext(ctx, command,
		newCapWriter(&stdout, maxCapturedOutput),
		newCapWriter(&stderr, maxCapturedOutput))
	if err != nil {
		if ctx.Err() != nil {
			return nil, &errors.TimeoutError{Operation: "winrm exec", Duration: time.Since(started), Cause: ctx.Err()}
		}
		return nil, &errors.TransientError{Operation: "winrm exec", Cause: err}
	}

	result := &Result{
		Status:   store.StepSucceeded,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Metrics: map[string]any{
			"duration_ms": time.Since(started).Milliseconds(),
			"host":        sc.Step.TargetHostname,
			"shell":       shell,
		},
	}
	if exitCode != 0 {
		result.Status = store.StepFailed
	}
	return result, nil
}

// WinRMCopy uploads a file by streaming base64 chunks through
// Add-Content and decoding remotely. Slow but dependency-free on the
// target; trees should use sftp against an SSH-enabled host instead.
type WinRMCopy struct{}

// Execute implements Executor.
func (WinRMCopy) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	localPath := payloadString(sc.Step, "local_path")
	remotePath := payloadString(sc.Step, "remote_path")
	if localPath == "" || remotePath == "" {
		return nil, &errors.ValidationError{Field: "local_path", Message: "both local_path and remote_path are required"}
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, &errors.ValidationError{Field: "local_path", Message: err.Error()}
	}

	client, err := dialWinRM(ctx, sc)
	if err != nil {
		return nil, err
	}

	tempPath := remotePath + ".b64"
	encoded := base64.StdEncoding.EncodeToString(data)

	started := time.Now()
	if err := runWinRMQuiet(ctx, client, fmt.Sprintf(
		`if (Test-Path %q) { Remove-Item %q }`, tempPath, tempPath)); err != nil {
		return nil, err
	}
	for offset := 0; offset < len(encoded); offset += winrmCopyChunk {
		end := offset + winrmCopyChunk
		if end > len(encoded) {
			end = len(encoded)
		}
		if err := runWinRMQuiet(ctx, client, fmt.Sprintf(
			`Add-Content -Path %q -Value %q`, tempPath, encoded[offset:end])); err != nil {
			return nil, err
		}
	}
	decode := fmt.Sprintf(
		`$b64 = (Get-Content %q) -join ''; [System.IO.File]::WriteAllBytes(%q, [System.Convert]::FromBase64String($b64)); Remove-Item %q`,
		tempPath, remotePath, tempPath)
	if err := runWinRMQuiet(ctx, client, decode); err != nil {
		return nil, err
	}

	result := succeeded(fmt.Sprintf("copied %d bytes", len(data)))
	result.Metrics["bytes"] = len(data)
	result.Metrics["duration_ms"] = time.Since(started).Milliseconds()
	return result, nil
}

func runWinRMQuiet(ctx context.Context, client *winrm.Client, psCommand string) error {
	var stdout, stderr bytes.Buffer
	exitCode, err := client.RunWithContext(ctx, winrm.Powershell(psCommand), &stdout, &stderr)
	if err != nil {
		return &errors.TransientError{Operation: "winrm copy", Cause: err}
	}
	if exitCode != 0 {
		return &errors.ProtocolError{
			Protocol: "winrm",
			ExitCode: exitCode,
			Message:  firstNonEmpty(strings.TrimSpace(stderr.String()), "copy command failed"),
		}
	}
	return nil
}

func dialWinRM(ctx context.Context, sc StepContext) (*winrm.Client, error) {
	host := sc.Step.TargetHostname
	if host == "" {
		return nil, &errors.ValidationError{Field: "target", Message: "step has no target hostname"}
	}
	secret := sc.Secret
	if secret == nil || secret.Username == "" || secret.Password == "" {
		return nil, &errors.ValidationError{Field: "credential", Message: "winrm step requires a username/password credential"}
	}

	port := payloadInt(sc.Step, "target_port", defaultWinRMPort)
	if port == 0 || port == 22 {
		port = defaultWinRMPort
	}
	useHTTPS := port == defaultWinRMPortTLS || payloadBool(sc.Step, "use_https", false)

	endpoint := winrm.NewEndpoint(host, port, useHTTPS, !payloadBool(sc.Step, "verify_ssl", false), nil, nil, nil, winrmConnectTimeout)

	// Domain accounts need NTLM; basic auth is disabled on stock
	// Windows images.
	params := winrm.DefaultParameters
	params.TransportDecorator = func() winrm.Transporter { return &winrm.ClientNTLM{} }

	client, err := winrm.NewClientWithParameters(endpoint, secret.Username, secret.Password, params)
	if err != nil {
		return nil, &errors.TransientError{Operation: "winrm connect", Cause: err}
	}
	return client, nil
}

// generateWindowsCommand maps a named inspection to its PowerShell
// implementation. Unknown names fail validation so typos surface at the
// first run, not silently succeed with empty output.
func generateWindowsCommand(step *store.JobRunStep) (string, error) {
	name := payloadString(step, "command_name")
	switch name {
	case "system_info":
		return `Get-ComputerInfo | Select-Object CsName, WindowsProductName, OsVersion, OsArchitecture, CsTotalPhysicalMemory | Format-List`, nil
	case "disk_space":
		return `Get-PSDrive -PSProvider FileSystem | Select-Object Name, @{n='UsedGB';e={[math]::Round($_.Used/1GB,2)}}, @{n='FreeGB';e={[math]::Round($_.Free/1GB,2)}} | Format-Table -AutoSize`, nil
	case "services":
		if svc := payloadString(step, "service_name"); svc != "" {
			return fmt.Sprintf(`Get-Service -Name %q | Select-Object Name, Status, StartType | Format-List`, svc), nil
		}
		return `Get-Service | Select-Object Name, Status, StartType | Sort-Object Name | Format-Table -AutoSize`, nil
	case "event_logs":
		logName := payloadString(step, "log_name")
		if logName == "" {
			logName = "System"
		}
		count := payloadInt(step, "max_events", 50)
		return fmt.Sprintf(`Get-WinEvent -LogName %q -MaxEvents %d | Select-Object TimeCreated, LevelDisplayName, ProviderName, Message | Format-List`, logName, count), nil
	case "registry":
		key := payloadString(step, "registry_key")
		if key == "" {
			return "", &errors.ValidationError{Field: "registry_key", Message: "registry inspection requires registry_key"}
		}
		return fmt.Sprintf(`Get-ItemProperty -Path %q | Format-List`, key), nil
	case "scheduled_tasks":
		return `Get-ScheduledTask | Select-Object TaskName, TaskPath, State | Sort-Object TaskName | Format-Table -AutoSize`, nil
	case "iis_info":
		return `Import-Module WebAdministration; Get-Website | Select-Object Name, ID, State, PhysicalPath | Format-Table -AutoSize`, nil
	case "custom_script":
		script := payloadString(step, "script")
		if script == "" {
			return "", &errors.ValidationError{Field: "script", Message: "custom_script requires a script body"}
		}
		return script, nil
	default:
		return "", &errors.ValidationError{
			Field:   "command_name",
			Message: fmt.Sprintf("unknown windows command %q", name),
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
