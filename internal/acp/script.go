// ABOUTME: Init wrapper script and marker line parsing
// ABOUTME: The wrapper reports one JSON marker on stderr, then execs the agent

package acp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MarkerPrefix starts the single line the init wrapper emits on stderr to
// report the init outcome before exec-ing the agent.
const MarkerPrefix = "__ACP_RELAY_INIT_RESULT__:"

// InitStepPrefix starts structured progress lines an init script may emit:
// <prefix>stage:status[:message].
const InitStepPrefix = "__ACP_RELAY_INIT_STEP__:"

// Paths the wrapper and its inputs are placed at inside the instance.
const (
	InitScriptPath = "/tmp/acp-init.sh"
	InitEnvPath    = "/tmp/acp-init.env"
	WrapperPath    = "/tmp/acp-wrapper.sh"
)

// InitMarker is the payload of a marker line.
type InitMarker struct {
	OK       bool `json:"ok"`
	ExitCode *int `json:"exitCode,omitempty"`
	Skipped  bool `json:"skipped,omitempty"`
}

// InitStep is a structured progress line parsed from init output.
type InitStep struct {
	Stage   string
	Status  string
	Message string
}

// WrapperScript builds the shell wrapper that runs the init script (if any),
// emits the marker line on stderr, and replaces itself with the agent
// command. The agent inherits the wrapper's pid and stdio, so the protocol
// stream is continuous across the handoff.
func WrapperScript(hasInitScript bool, timeoutSeconds int) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -eu\n")
	b.WriteString(fmt.Sprintf("MARKER=%q\n", MarkerPrefix))

	if hasInitScript {
		fmt.Fprintf(&b, "if [ -f %s ]; then . %s; fi\n", InitEnvPath, InitEnvPath)
		if timeoutSeconds > 0 {
			fmt.Fprintf(&b, "if timeout %d sh %s 1>&2; then\n", timeoutSeconds, InitScriptPath)
		} else {
			fmt.Fprintf(&b, "if sh %s 1>&2; then\n", InitScriptPath)
		}
		b.WriteString("  printf '%s{\"ok\":true}\\n' \"$MARKER\" 1>&2\n")
		b.WriteString("else\n")
		b.WriteString("  rc=$?\n")
		b.WriteString("  printf '%s{\"ok\":false,\"exitCode\":%d}\\n' \"$MARKER\" \"$rc\" 1>&2\n")
		b.WriteString("  exit \"$rc\"\n")
		b.WriteString("fi\n")
	} else {
		b.WriteString("printf '%s{\"ok\":true,\"skipped\":true}\\n' \"$MARKER\" 1>&2\n")
	}

	b.WriteString("exec \"$@\"\n")
	return b.String()
}

// EnvFile renders the init environment as a sourceable file.
func EnvFile(env map[string]string) string {
	var b strings.Builder
	for k, v := range env {
		fmt.Fprintf(&b, "export %s=%q\n", k, v)
	}
	return b.String()
}

// ParseMarker parses a marker line. The second return is false when the line
// is not a marker.
func ParseMarker(line string) (InitMarker, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), MarkerPrefix)
	if !ok {
		return InitMarker{}, false
	}
	var m InitMarker
	if err := json.Unmarshal([]byte(rest), &m); err != nil {
		// A malformed marker still ends phase one; treat it as failure.
		return InitMarker{OK: false}, true
	}
	return m, true
}

// ParseInitStep parses a structured init progress line.
func ParseInitStep(line string) (InitStep, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), InitStepPrefix)
	if !ok {
		return InitStep{}, false
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) < 2 {
		return InitStep{}, false
	}
	step := InitStep{Stage: parts[0], Status: parts[1]}
	if len(parts) == 3 {
		step.Message = parts[2]
	}
	return step, true
}
