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

import "net/http"

// DefaultRegistry wires every shipped driver under its step type tags.
// The notifier client is shared; protocol drivers open their own
// connections per step.
func DefaultRegistry(notifierClient *http.Client, notifierURL string) (*Registry, error) {
	httpDriver, err := NewHTTPRequest()
	if err != nil {
		return nil, err
	}
	webhookDriver, err := NewWebhookCall()
	if err != nil {
		return nil, err
	}

	r := NewRegistry()
	r.Register("ssh.exec", SSHExec{})
	r.Register("ssh.copy", SSHCopy{})
	r.Register("sftp.upload", SFTPTransfer{})
	r.Register("sftp.download", SFTPTransfer{})
	r.Register("sftp.sync", SFTPTransfer{})
	r.Register("winrm.exec", WinRMExec{})
	r.Register("windows.command", WinRMExec{})
	r.Register("winrm.copy", WinRMCopy{})
	r.Register("script", Script{})
	r.Register("database", Database{})
	r.Register("http.*", httpDriver)
	r.Register("webhook.call", webhookDriver)
	r.Register("notify.*", NewNotify(notifierClient, notifierURL))

	control := NewControl()
	for _, tag := range []string{"condition", "loop", "decision", "parallel", "join"} {
		r.Register(tag, control)
	}
	r.Register("data.*", DataOps{})
	return r, nil
}
