// ABOUTME: Tests for run id and instance name validation rules

package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRunID(t *testing.T) {
	tests := []struct {
		name    string
		runID   string
		wantErr bool
	}{
		{"simple", "r1", false},
		{"uuid-ish", "3f1c2a9e-run-42", false},
		{"empty", "", true},
		{"whitespace", "   ", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"colon", "a:b", true},
		{"traversal", "../etc", true},
		{"too long", strings.Repeat("x", 201), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRunID(tt.runID)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateInstanceName(t *testing.T) {
	assert.NoError(t, ValidateInstanceName("acp-run-r1"))
	assert.NoError(t, ValidateInstanceName("A1_b.c-d"))
	assert.Error(t, ValidateInstanceName(""))
	assert.Error(t, ValidateInstanceName("-leading-dash"))
	assert.Error(t, ValidateInstanceName("has space"))
	assert.Error(t, ValidateInstanceName("has/slash"))
	assert.Error(t, ValidateInstanceName(strings.Repeat("x", 201)))
}
