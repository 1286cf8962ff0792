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

package store

// AggregateRun computes the run status from the multiset of step statuses.
// Evaluated inside the step-completion transaction so every observer sees
// the same deterministic function of the step rows:
//
//	any failed and none queued/running  -> failed
//	all succeeded or skipped            -> succeeded (empty runs trivially succeed)
//	any aborted and none queued/running -> failed
//	otherwise                           -> still running
//
// The boolean reports whether the result is terminal.
func AggregateRun(statuses []StepStatus) (RunStatus, bool) {
	var queuedOrRunning, failed, aborted int
	for _, s := range statuses {
		switch s {
		case StepQueued, StepRunning:
			queuedOrRunning++
		case StepFailed:
			failed++
		case StepAborted:
			aborted++
		}
	}

	if queuedOrRunning > 0 {
		return RunRunning, false
	}
	if failed > 0 || aborted > 0 {
		return RunFailed, true
	}
	return RunSucceeded, true
}

// SummarizeSteps builds the result_data payload persisted on terminal runs.
func SummarizeSteps(statuses []StepStatus) map[string]any {
	summary := map[string]any{
		"steps_total":     len(statuses),
		"steps_succeeded": 0,
		"steps_failed":    0,
		"steps_skipped":   0,
		"steps_aborted":   0,
	}
	for _, s := range statuses {
		switch s {
		case StepSucceeded:
			summary["steps_succeeded"] = summary["steps_succeeded"].(int) + 1
		case StepFailed:
			summary["steps_failed"] = summary["steps_failed"].(int) + 1
		case StepSkipped:
			summary["steps_skipped"] = summary["steps_skipped"].(int) + 1
		case StepAborted:
			summary["steps_aborted"] = summary["steps_aborted"].(int) + 1
		}
	}
	return summary
}
