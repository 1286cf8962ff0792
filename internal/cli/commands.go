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

package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/workflow"
)

func newJobCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Manage job definitions"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var out struct {
				Jobs []*store.Job `json:"jobs"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/jobs", nil, &out); err != nil {
				return err
			}
			for _, job := range out.Jobs {
				fmt.Printf("%s\t%s\tv%d\t%d nodes\n", job.ID, job.Name, job.Version, len(job.Definition.Nodes))
			}
			return nil
		},
	})

	create := &cobra.Command{
		Use:   "create <definition.json>",
		Short: "Create a job from a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var def workflow.Definition
			if err := json.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}

			c, err := client()
			if err != nil {
				return err
			}
			var job store.Job
			body := map[string]any{"name": def.Name, "definition": def}
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/jobs", body, &job); err != nil {
				return err
			}
			fmt.Printf("created job %s (%s)\n", job.Name, job.ID)
			return nil
		},
	}
	cmd.AddCommand(create)

	runCmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Submit a run of the job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := cmd.Flags().GetStringToString("param")
			if err != nil {
				return err
			}
			priority, _ := cmd.Flags().GetString("priority")

			body := map[string]any{"priority": priority}
			if len(params) > 0 {
				p := make(map[string]any, len(params))
				for k, v := range params {
					p[k] = v
				}
				body["parameters"] = p
			}

			c, err := client()
			if err != nil {
				return err
			}
			var run store.JobRun
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/jobs/"+args[0]+"/run", body, &run); err != nil {
				return err
			}
			fmt.Printf("run %s queued (priority %s)\n", run.ID, run.Priority)
			return nil
		},
	}
	runCmd.Flags().StringToString("param", nil, "run parameter key=value (repeatable)")
	runCmd.Flags().String("priority", "normal", "run priority: high, normal, low")
	cmd.AddCommand(runCmd)

	return cmd
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "Inspect and control runs"}

	cmd.AddCommand(&cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the run snapshot with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var view map[string]any
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/runs/"+args[0], nil, &view); err != nil {
				return err
			}
			return printJSON(view)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/runs/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Printf("run %s canceled\n", args[0])
			return nil
		},
	})

	watch := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Poll a run until it reaches a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")
			c, err := client()
			if err != nil {
				return err
			}

			last := ""
			for {
				var view struct {
					Run *store.JobRun `json:"run"`
				}
				if err := c.do(cmd.Context(), http.MethodGet, "/v1/runs/"+args[0], nil, &view); err != nil {
					return err
				}
				status := string(view.Run.Status)
				if status != last {
					fmt.Printf("%s\t%s\n", time.Now().Format(time.TimeOnly), status)
					last = status
				}
				if view.Run.Status.Terminal() {
					if view.Run.ErrorMessage != "" {
						fmt.Println(view.Run.ErrorMessage)
					}
					return nil
				}

				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
			}
		},
	}
	watch.Flags().Duration("interval", 2*time.Second, "poll interval")
	cmd.AddCommand(watch)

	return cmd
}

func newScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Manage schedules"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var out struct {
				Schedules []*store.Schedule `json:"schedules"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/schedules", nil, &out); err != nil {
				return err
			}
			for _, s := range out.Schedules {
				next := "-"
				if s.NextRunAt != nil {
					next = s.NextRunAt.Format(time.RFC3339)
				}
				fmt.Printf("%s\t%s\t%s\tnext %s\tactive=%t\n", s.ID, s.JobID, s.ScheduleType, next, s.IsActive)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodDelete, "/v1/schedules/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("schedule %s deleted\n", args[0])
			return nil
		},
	})

	return cmd
}

func newExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export active jobs and schedules as JSON to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var bundle map[string]any
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/export", nil, &bundle); err != nil {
				return err
			}
			return printJSON(bundle)
		},
	}
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <bundle.json>",
		Short: "Import a job bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var bundle map[string]any
			if err := json.Unmarshal(data, &bundle); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}

			c, err := client()
			if err != nil {
				return err
			}
			var result map[string]any
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/import", bundle, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}
