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
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/sftp"

	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

// SFTPTransfer handles sftp.upload, sftp.download, and sftp.sync over
// one SSH connection. Sync is an incremental upload: files are skipped
// when the remote copy already matches by size and mtime.
type SFTPTransfer struct{}

type transferStats struct {
	files    int
	bytes    int64
	skipped  int
	failures []string
}

// Execute implements Executor.
func (SFTPTransfer) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	localPath := payloadString(sc.Step, "local_path")
	remotePath := payloadString(sc.Step, "remote_path")
	if localPath == "" || remotePath == "" {
		return nil, &errors.ValidationError{Field: "local_path", Message: "both local_path and remote_path are required"}
	}
	includes := payloadStrings(sc.Step, "include")
	excludes := payloadStrings(sc.Step, "exclude")
	preserve := payloadBool(sc.Step, "preserve_attributes", true)

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
	var stats transferStats
	switch sc.Step.Type {
	case "sftp.download":
		err = transferDown(ctx, ftp, remotePath, localPath, includes, excludes, preserve, &stats)
	case "sftp.sync":
		err = transferUp(ctx, ftp, localPath, remotePath, includes, excludes, preserve, true, &stats)
	default: // sftp.upload
		err = transferUp(ctx, ftp, localPath, remotePath, includes, excludes, preserve, false, &stats)
	}
	if err != nil {
		return nil, err
	}

	result := succeeded(fmt.Sprintf("%d files, %d bytes", stats.files, stats.bytes))
	result.Metrics["files"] = stats.files
	result.Metrics["bytes"] = stats.bytes
	result.Metrics["skipped"] = stats.skipped
	result.Metrics["duration_ms"] = time.Since(started).Milliseconds()

	// A partial transfer is a failure with the successful work recorded.
	if len(stats.failures) > 0 {
		result.Status = store.StepFailed
		result.ExitCode = 1
		result.Stderr = strings.Join(stats.failures, "\n")
		result.Metrics["failed_files"] = len(stats.failures)
	}
	return result, nil
}

// matchGlobs applies include then exclude patterns to a slash-separated
// relative path. An empty include list admits everything.
func matchGlobs(rel string, includes, excludes []string) bool {
	if len(includes) > 0 {
		matched := false
		for _, p := range includes {
			if ok, _ := doublestar.Match(p, rel); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, p := range excludes {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	return true
}

func transferUp(ctx context.Context, ftp *sftp.Client, localRoot, remoteRoot string, includes, excludes []string, preserve, incremental bool, stats *transferStats) error {
	info, err := os.Stat(localRoot)
	if err != nil {
		return &errors.ValidationError{Field: "local_path", Message: err.Error()}
	}

	// Single file: transfer directly, the glob filter does not apply.
	if !info.IsDir() {
		n, err := copyLocalToRemote(ftp, localRoot, remoteRoot)
		if err != nil {
			stats.failures = append(stats.failures, fmt.Sprintf("%s: %v", localRoot, err))
			return nil
		}
		stats.files++
		stats.bytes += n
		return nil
	}

	return filepath.WalkDir(localRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			stats.failures = append(stats.failures, fmt.Sprintf("%s: %v", p, walkErr))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(localRoot, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchGlobs(rel, includes, excludes) {
			return nil
		}

		remote := path.Join(remoteRoot, rel)
		localInfo, err := d.Info()
		if err != nil {
			stats.failures = append(stats.failures, fmt.Sprintf("%s: %v", p, err))
			return nil
		}

		if incremental {
			if remoteInfo, err := ftp.Stat(remote); err == nil &&
				remoteInfo.Size() == localInfo.Size() &&
				remoteInfo.ModTime().Truncate(time.Second).Equal(localInfo.ModTime().Truncate(time.Second)) {
				stats.skipped++
				return nil
			}
		}

		n, err := copyLocalToRemote(ftp, p, remote)
		if err != nil {
			stats.failures = append(stats.failures, fmt.Sprintf("%s: %v", rel, err))
			return nil
		}
		if preserve {
			ftp.Chtimes(remote, time.Now(), localInfo.ModTime())
		}
		stats.files++
		stats.bytes += n
		return nil
	})
}

func transferDown(ctx context.Context, ftp *sftp.Client, remoteRoot, localRoot string, includes, excludes []string, preserve bool, stats *transferStats) error {
	info, err := ftp.Stat(remoteRoot)
	if err != nil {
		return &errors.ValidationError{Field: "remote_path", Message: err.Error()}
	}

	if !info.IsDir() {
		n, err := copyRemoteToLocal(ftp, remoteRoot, localRoot)
		if err != nil {
			stats.failures = append(stats.failures, fmt.Sprintf("%s: %v", remoteRoot, err))
			return nil
		}
		stats.files++
		stats.bytes += n
		return nil
	}

	walker := ftp.Walk(remoteRoot)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := walker.Err(); err != nil {
			stats.failures = append(stats.failures, fmt.Sprintf("%s: %v", walker.Path(), err))
			continue
		}
		if walker.Stat().IsDir() {
			continue
		}

		rel, err := filepath.Rel(remoteRoot, walker.Path())
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchGlobs(rel, includes, excludes) {
			continue
		}

		local := filepath.Join(localRoot, filepath.FromSlash(rel))
		n, err := copyRemoteToLocal(ftp, walker.Path(), local)
		if err != nil {
			stats.failures = append(stats.failures, fmt.Sprintf("%s: %v", rel, err))
			continue
		}
		if preserve {
			os.Chmod(local, walker.Stat().Mode().Perm())
			os.Chtimes(local, time.Now(), walker.Stat().ModTime())
		}
		stats.files++
		stats.bytes += n
	}
	return nil
}
