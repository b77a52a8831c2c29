package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"codepod/pkg/models"
)

// keepaliveCmd returns the long-running no-op that holds a pool container
// alive between execs.
func keepaliveCmd(windows bool) []string {
	if windows {
		return []string{"powershell", "-NoProfile", "-NonInteractive", "-Command",
			"while ($true) { Start-Sleep -Seconds 3600 }"}
	}
	return []string{"tail", "-f", "/dev/null"}
}

// shellWrap turns a shell command string into the platform argv. Argv-style
// commands never pass through here; they reach the engine as discrete
// tokens so embedded quotes and dollar signs arrive verbatim.
func shellWrap(windows bool, cmd string) []string {
	if windows {
		return []string{"powershell", "-NoProfile", "-NonInteractive", "-Command", cmd}
	}
	return []string{"/bin/sh", "-lc", cmd}
}

// mkdirCmd returns the argv that creates the given directories, parents
// included.
func mkdirCmd(windows bool, paths ...string) []string {
	if windows {
		return []string{"powershell", "-NoProfile", "-NonInteractive", "-Command",
			"New-Item -ItemType Directory -Force -Path " + strings.Join(paths, ", ") + " | Out-Null"}
	}
	return append([]string{"mkdir", "-p"}, paths...)
}

// removeFileCmd returns the argv that deletes a single file.
func removeFileCmd(windows bool, path string) []string {
	if windows {
		return []string{"powershell", "-NoProfile", "-NonInteractive", "-Command",
			"Remove-Item -Force -ErrorAction SilentlyContinue -LiteralPath '" + path + "'"}
	}
	return []string{"rm", "-f", "--", path}
}

// ManagedLabel returns the label key that scopes every engine query to
// containers this library owns.
func ManagedLabel(prefix string) string {
	return prefix + ".managed"
}

// Labels builds the label set stamped onto every managed container. The
// labels mirror the pool-relevant facts so a fresh store can still be
// reconciled from the engine alone.
func Labels(prefix string, limits models.ResourceLimits, network models.NetworkMode, created time.Time) map[string]string {
	return map[string]string{
		ManagedLabel(prefix): "true",
		prefix + ".memory":   strconv.FormatInt(limits.MemoryBytes, 10),
		prefix + ".cpu":      strconv.FormatFloat(limits.CPUCores, 'f', -1, 64),
		prefix + ".pids":     strconv.FormatInt(limits.MaxProcesses, 10),
		prefix + ".network":  string(network),
		prefix + ".created":  created.UTC().Format(time.RFC3339),
	}
}

// ContainerName derives a unique engine container name from the label
// prefix.
func ContainerName(prefix, suffix string) string {
	return fmt.Sprintf("%s-%s", prefix, suffix)
}
