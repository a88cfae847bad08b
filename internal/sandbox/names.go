// ABOUTME: Deterministic mapping between run ids and sandbox instance names

package sandbox

import "strings"

// InstanceNamePrefix prefixes every instance name this system derives from a
// run id. GC relies on it to infer the owning run of an orphan.
const InstanceNamePrefix = "acp-run-"

// InstanceNameForRun derives the canonical instance name for a run.
func InstanceNameForRun(runID string) string {
	return InstanceNamePrefix + runID
}

// RunIDFromInstanceName inverts InstanceNameForRun. The second return is
// false for names not derived from a run id.
func RunIDFromInstanceName(name string) (string, bool) {
	runID, ok := strings.CutPrefix(name, InstanceNamePrefix)
	if !ok || runID == "" {
		return "", false
	}
	return runID, true
}
