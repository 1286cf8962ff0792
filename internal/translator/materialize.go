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

package translator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/internal/template"
	"github.com/opsconductor/opsconductor/pkg/errors"
	"github.com/opsconductor/opsconductor/pkg/workflow"
)

// Step type tags emitted by the translator. Each matches an executor.
const (
	StepSSHExec      = "ssh.exec"
	StepSSHCopy      = "ssh.copy"
	StepSFTPUpload   = "sftp.upload"
	StepSFTPDownload = "sftp.download"
	StepSFTPSync     = "sftp.sync"
	StepWinRMExec    = "winrm.exec"
	StepWinRMCopy    = "winrm.copy"
	StepWinCommand   = "windows.command"
	StepScript       = "script"
	StepDatabase     = "database"
	StepWebhook      = "webhook.call"
	StepCondition    = "condition"
	StepLoop         = "loop"
	StepDecision     = "decision"
	StepParallel     = "parallel"
	StepJoin         = "join"
)

// HTTPStepType returns the step tag for an HTTP method, e.g. "http.GET".
func HTTPStepType(method string) string {
	return "http." + strings.ToUpper(method)
}

// NotifyStepType returns the step tag for a notification channel.
func NotifyStepType(channel string) string {
	return "notify." + channel
}

// Per-family defaults. Exec steps get no retries because re-running a
// shell command is not generally idempotent; HTTP and notifications are.
const (
	defaultExecTimeout     = 300
	defaultHTTPTimeout     = 60
	defaultTransferTimeout = 600
	defaultNotifyTimeout   = 30
	defaultDatabaseTimeout = 120
	defaultControlTimeout  = 60

	defaultExecRetries     = 0
	defaultHTTPRetries     = 3
	defaultNotifyRetries   = 3
	defaultTransferRetries = 1
)

// materialize emits one typed step for a non-flow node.
func (t *Translator) materialize(ctx context.Context, node *workflow.Node, def *workflow.Definition, graph *workflow.Graph, renderCtx *template.Context) (*store.JobRunStep, error) {
	step := &store.JobRunStep{
		Name:              node.DataString("label"),
		Payload:           map[string]any{"node_id": node.ID},
		ContinueOnFailure: node.DataBool("continue_on_failure", false),
	}
	if step.Name == "" {
		step.Name = node.ID
	}

	var err error
	switch node.Type {
	case workflow.NodeActionCommand:
		err = t.materializeCommand(ctx, node, renderCtx, step)
	case workflow.NodeActionScript:
		err = t.materializeScript(ctx, node, renderCtx, step)
	case workflow.NodeActionHTTP:
		err = materializeHTTP(node, renderCtx, step)
	case workflow.NodeActionFileTransfer:
		err = t.materializeFileTransfer(ctx, node, renderCtx, step)
	case workflow.NodeActionDatabase:
		err = materializeDatabase(node, renderCtx, step)
	case workflow.NodeActionNotification:
		err = materializeNotification(node, renderCtx, step)
	case workflow.NodeConditionIf:
		err = materializeCondition(node, def, step)
	case workflow.NodeConditionWhile, workflow.NodeConditionForEach:
		err = materializeLoop(node, graph, step)
	case workflow.NodeDecision:
		err = materializeBranching(node, def, step, StepDecision)
	case workflow.NodeParallel:
		err = materializeBranching(node, def, step, StepParallel)
	case workflow.NodeJoin:
		materializeJoin(node, graph, step)
	case workflow.NodeDataTransform, workflow.NodeDataValidate, workflow.NodeDataAggregate:
		err = materializeData(node, renderCtx, step)
	default:
		return nil, &errors.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("unhandled node type %q", node.Type),
		}
	}
	if err != nil {
		return nil, err
	}

	// Node-level overrides beat family defaults.
	if timeout := node.DataInt("timeout", 0); timeout > 0 {
		step.TimeoutSeconds = timeout
	}
	if retries := node.DataInt("max_retries", -1); retries >= 0 {
		step.MaxRetries = retries
	}

	return step, nil
}

func (t *Translator) materializeCommand(ctx context.Context, node *workflow.Node, renderCtx *template.Context, step *store.JobRunStep) error {
	connection := node.DataString("connection")
	if connection == "" {
		connection = "ssh"
	}

	payload := map[string]any{
		"command":           node.DataString("command"),
		"shell":             node.DataString("shell"),
		"working_directory": node.DataString("working_directory"),
	}
	if env, ok := node.Data["env"].(map[string]any); ok {
		payload["env"] = env
	}

	switch connection {
	case "ssh":
		step.Type = StepSSHExec
	case "winrm":
		step.Type = StepWinRMExec
		if payload["shell"] == "" {
			payload["shell"] = "powershell"
		}
		if name := node.DataString("command_name"); name != "" {
			// Generated commands go through the safety-checked builder.
			step.Type = StepWinCommand
			payload["command_name"] = name
			if params, ok := node.Data["command_parameters"].(map[string]any); ok {
				payload["command_parameters"] = params
			}
		}
	default:
		return &errors.ValidationError{
			Field:      "connection",
			Message:    fmt.Sprintf("unsupported connection type %q", connection),
			Suggestion: "use ssh or winrm",
		}
	}

	step.TimeoutSeconds = defaultExecTimeout
	step.MaxRetries = defaultExecRetries

	rendered, err := renderPayload(payload, renderCtx)
	if err != nil {
		return err
	}
	mergePayload(step.Payload, rendered)

	return t.resolveTarget(ctx, node, renderCtx, step)
}

func (t *Translator) materializeScript(ctx context.Context, node *workflow.Node, renderCtx *template.Context, step *store.JobRunStep) error {
	step.Type = StepScript
	step.TimeoutSeconds = defaultExecTimeout
	step.MaxRetries = defaultExecRetries

	payload := map[string]any{
		"script":      node.DataString("script"),
		"interpreter": node.DataString("interpreter"),
		"connection":  node.DataString("connection"),
	}
	if args, ok := node.Data["args"].([]any); ok {
		payload["args"] = args
	}
	if payload["interpreter"] == "" {
		payload["interpreter"] = "/bin/sh"
	}
	if payload["connection"] == "" {
		payload["connection"] = "ssh"
	}

	rendered, err := renderPayload(payload, renderCtx)
	if err != nil {
		return err
	}
	mergePayload(step.Payload, rendered)

	return t.resolveTarget(ctx, node, renderCtx, step)
}

func materializeHTTP(node *workflow.Node, renderCtx *template.Context, step *store.JobRunStep) error {
	method := strings.ToUpper(node.DataString("method"))
	if method == "" {
		method = "GET"
	}
	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH":
	default:
		return &errors.ValidationError{
			Field:      "method",
			Message:    fmt.Sprintf("unsupported HTTP method %q", method),
			Suggestion: "use GET, POST, PUT, DELETE, or PATCH",
		}
	}

	payload := map[string]any{
		"url":        node.DataString("url"),
		"method":     method,
		"verify_ssl": node.DataBool("verify_ssl", true),
	}
	if headers, ok := node.Data["headers"].(map[string]any); ok {
		payload["headers"] = headers
	}
	if body, ok := node.Data["body"]; ok {
		payload["body"] = body
	}
	if auth, ok := node.Data["auth"].(map[string]any); ok {
		payload["auth"] = auth
	}
	if codes, ok := node.Data["expected_status_codes"].([]any); ok {
		payload["expected_status_codes"] = codes
	}

	// A webhook payload with a signing secret is a signed webhook call,
	// not a plain HTTP step.
	if secret := node.DataString("secret"); secret != "" {
		step.Type = StepWebhook
		payload["secret"] = secret
		payload["retry_count"] = node.DataInt("retry_count", defaultHTTPRetries)
		if wp, ok := node.Data["payload"].(map[string]any); ok {
			payload["payload"] = wp
		}
	} else {
		step.Type = HTTPStepType(method)
	}

	step.TimeoutSeconds = defaultHTTPTimeout
	step.MaxRetries = defaultHTTPRetries

	rendered, err := renderPayload(payload, renderCtx)
	if err != nil {
		return err
	}
	mergePayload(step.Payload, rendered)
	return nil
}

func (t *Translator) materializeFileTransfer(ctx context.Context, node *workflow.Node, renderCtx *template.Context, step *store.JobRunStep) error {
	direction := node.DataString("direction")
	protocol := node.DataString("protocol")

	switch {
	case protocol == "scp":
		step.Type = StepSSHCopy
	case protocol == "winrm":
		step.Type = StepWinRMCopy
	case direction == "download":
		step.Type = StepSFTPDownload
	case direction == "sync":
		step.Type = StepSFTPSync
	default:
		step.Type = StepSFTPUpload
	}

	step.TimeoutSeconds = defaultTransferTimeout
	step.MaxRetries = defaultTransferRetries

	payload := map[string]any{
		"local_path":           node.DataString("local_path"),
		"remote_path":          node.DataString("remote_path"),
		"direction":            direction,
		"recursive":            node.DataBool("recursive", false),
		"preserve_permissions": node.DataBool("preserve_permissions", false),
		"preserve_times":       node.DataBool("preserve_times", false),
		"overwrite":            node.DataBool("overwrite", true),
	}
	if include, ok := node.Data["include"].([]any); ok {
		payload["include"] = include
	}
	if exclude, ok := node.Data["exclude"].([]any); ok {
		payload["exclude"] = exclude
	}

	rendered, err := renderPayload(payload, renderCtx)
	if err != nil {
		return err
	}
	mergePayload(step.Payload, rendered)

	return t.resolveTarget(ctx, node, renderCtx, step)
}

func materializeDatabase(node *workflow.Node, renderCtx *template.Context, step *store.JobRunStep) error {
	step.Type = StepDatabase
	step.TimeoutSeconds = defaultDatabaseTimeout
	step.MaxRetries = 0

	operation := node.DataString("operation")
	if operation == "" {
		operation = "query"
	}

	payload := map[string]any{
		"connection_string": node.DataString("connection_string"),
		"query":             node.DataString("query"),
		"operation":         operation,
	}

	rendered, err := renderPayload(payload, renderCtx)
	if err != nil {
		return err
	}
	mergePayload(step.Payload, rendered)
	return nil
}

func materializeNotification(node *workflow.Node, renderCtx *template.Context, step *store.JobRunStep) error {
	channel := node.DataString("channel")
	if channel == "" {
		channel = "email"
	}
	switch channel {
	case "email", "slack", "teams", "webhook", "conditional":
	default:
		return &errors.ValidationError{
			Field:      "channel",
			Message:    fmt.Sprintf("unsupported notification channel %q", channel),
			Suggestion: "use email, slack, teams, webhook, or conditional",
		}
	}

	step.Type = NotifyStepType(channel)
	step.TimeoutSeconds = defaultNotifyTimeout
	step.MaxRetries = defaultNotifyRetries

	sendOn := node.DataString("send_on")
	if sendOn == "" {
		sendOn = "always"
	}

	// Subject, recipients, and body stay unrendered here: notification
	// steps render at execution time against the live job/run context
	// (status, timing) which does not exist at translation.
	payload := map[string]any{
		"channel":  channel,
		"send_on":  sendOn,
		"subject":  node.DataString("subject"),
		"body":     node.DataString("body"),
		"priority": node.DataString("priority"),
	}
	if recipients, ok := node.Data["recipients"].([]any); ok {
		payload["recipients"] = recipients
	}
	if condition := node.DataString("condition"); condition != "" {
		payload["condition"] = condition
	}
	if nested, ok := node.Data["notification"].(map[string]any); ok {
		payload["notification"] = nested
	}
	if url := node.DataString("url"); url != "" {
		rendered, err := template.Render(url, renderCtx)
		if err != nil {
			return err
		}
		payload["url"] = rendered
	}

	mergePayload(step.Payload, payload)
	return nil
}

func materializeCondition(node *workflow.Node, def *workflow.Definition, step *store.JobRunStep) error {
	expression := node.DataString("expression")
	if expression == "" {
		return &errors.ValidationError{
			Field:      "expression",
			Message:    "condition node requires an expression",
			Suggestion: "set data.expression on the node",
		}
	}

	handles := successorsByHandle(def, node.ID)
	step.Type = StepCondition
	step.TimeoutSeconds = defaultControlTimeout
	mergePayload(step.Payload, map[string]any{
		"expression":   expression,
		"true_branch":  handles["true"],
		"false_branch": handles["false"],
	})
	return nil
}

func materializeLoop(node *workflow.Node, graph *workflow.Graph, step *store.JobRunStep) error {
	step.Type = StepLoop
	step.TimeoutSeconds = defaultControlTimeout

	payload := map[string]any{
		"max_iterations": node.DataInt("max_iterations", 100),
		"body":           graph.Successors(node.ID),
	}
	if node.Type == workflow.NodeConditionWhile {
		expression := node.DataString("expression")
		if expression == "" {
			return &errors.ValidationError{
				Field:      "expression",
				Message:    "while node requires an expression",
				Suggestion: "set data.expression on the node",
			}
		}
		payload["expression"] = expression
	} else {
		items := node.DataString("items")
		if items == "" {
			return &errors.ValidationError{
				Field:      "items",
				Message:    "for_each node requires an items expression",
				Suggestion: "set data.items on the node",
			}
		}
		payload["items"] = items
		itemVar := node.DataString("item_var")
		if itemVar == "" {
			itemVar = "item"
		}
		payload["item_var"] = itemVar
	}

	mergePayload(step.Payload, payload)
	return nil
}

func materializeBranching(node *workflow.Node, def *workflow.Definition, step *store.JobRunStep, stepType string) error {
	step.Type = stepType
	step.TimeoutSeconds = defaultControlTimeout

	handles := successorsByHandle(def, node.ID)
	branches := make([]map[string]any, 0, len(handles))
	for handle, targets := range handles {
		branches = append(branches, map[string]any{
			"handle":  handle,
			"targets": targets,
		})
	}
	sort.Slice(branches, func(i, j int) bool {
		return branches[i]["handle"].(string) < branches[j]["handle"].(string)
	})

	mergePayload(step.Payload, map[string]any{
		"branches":    branches,
		"join_policy": node.DataString("join_policy"),
	})
	return nil
}

func materializeJoin(node *workflow.Node, graph *workflow.Graph, step *store.JobRunStep) {
	step.Type = StepJoin
	step.TimeoutSeconds = defaultControlTimeout
	mergePayload(step.Payload, map[string]any{
		"waits_for": graph.Predecessors(node.ID),
		"policy":    node.DataString("policy"),
	})
}

func materializeData(node *workflow.Node, renderCtx *template.Context, step *store.JobRunStep) error {
	step.Type = string(node.Type)
	step.TimeoutSeconds = defaultControlTimeout

	payload := map[string]any{
		"expression": node.DataString("expression"),
		"input":      node.DataString("input"),
		"output_var": node.DataString("output_var"),
	}
	if schema, ok := node.Data["schema"].(map[string]any); ok {
		payload["schema"] = schema
	}
	if required, ok := node.Data["required"].([]any); ok {
		payload["required"] = required
	}

	rendered, err := renderPayload(payload, renderCtx)
	if err != nil {
		return err
	}
	mergePayload(step.Payload, rendered)
	return nil
}

// successorsByHandle groups a node's outgoing edges by source handle.
// Edges without a handle land under "".
func successorsByHandle(def *workflow.Definition, nodeID string) map[string][]string {
	handles := make(map[string][]string)
	for _, e := range def.Edges {
		if e.Source == nodeID {
			handles[e.SourceHandle] = append(handles[e.SourceHandle], e.Target)
		}
	}
	return handles
}

func mergePayload(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
