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
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServer string
	flagToken  string
)

// NewRootCommand builds the opsconductor command tree.
func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "opsconductor",
		Short:         "Client for the OpsConductor job execution daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagServer, "server", envOr("OPSCONDUCTOR_SERVER", "http://127.0.0.1:8420"), "daemon base URL")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("OPSCONDUCTOR_TOKEN"), "bearer token")

	root.AddCommand(newJobCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newScheduleCommand())
	root.AddCommand(newExportCommand())
	root.AddCommand(newImportCommand())
	return root
}

func client() (*Client, error) {
	return NewClient(flagServer, flagToken)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// printJSON writes the value as indented JSON to stdout.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
