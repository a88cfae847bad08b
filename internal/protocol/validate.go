// ABOUTME: Validation rules for run ids and sandbox instance names
// ABOUTME: Both end up in container names and filesystem paths, so shape matters

package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

const maxIdentifierLength = 200

var instanceNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidateRunID rejects run ids that are empty, oversized, or carry path or
// container-name separators.
func ValidateRunID(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run_id is required")
	}
	if len(runID) > maxIdentifierLength {
		return fmt.Errorf("run_id too long (%d > %d)", len(runID), maxIdentifierLength)
	}
	if strings.ContainsAny(runID, `/\:`) {
		return fmt.Errorf("run_id contains invalid characters: %q", runID)
	}
	return nil
}

// ValidateInstanceName enforces the container-safe name shape.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("instance_name is required")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("instance_name too long (%d > %d)", len(name), maxIdentifierLength)
	}
	if !instanceNameRe.MatchString(name) {
		return fmt.Errorf("instance_name contains invalid characters: %q", name)
	}
	return nil
}
