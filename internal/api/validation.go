package api

import (
	"fmt"
	"regexp"
)

const (
	maxCommandBytes = 16 * 1024
	maxInputBytes   = 64 * 1024
	maxMessageBytes = 32 * 1024
	maxTimeoutMs    = 600000
)

// refPattern matches session ids and provider sandbox ids.
var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateSessionRef checks the shape of a {id} path value.
func ValidateSessionRef(id string) error {
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	if !refPattern.MatchString(id) {
		return fmt.Errorf("session id is malformed")
	}
	return nil
}

// validateExecRequest validates command execution parameters
func validateExecRequest(req execRequest) error {
	if req.Command == "" {
		return fmt.Errorf("command is required")
	}
	if len(req.Command) > maxCommandBytes {
		return fmt.Errorf("command must not exceed %d bytes", maxCommandBytes)
	}
	if req.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must be non-negative")
	}
	if req.TimeoutMs > maxTimeoutMs {
		return fmt.Errorf("timeout_ms must not exceed %d (10 minutes)", maxTimeoutMs)
	}
	return nil
}

func validateInputRequest(req terminalInputRequest) error {
	if req.Data == "" {
		return fmt.Errorf("data is required")
	}
	if len(req.Data) > maxInputBytes {
		return fmt.Errorf("data must not exceed %d bytes", maxInputBytes)
	}
	return nil
}

func validateAgentRequest(req agentRequest) error {
	if req.Message == "" {
		return fmt.Errorf("message is required")
	}
	if len(req.Message) > maxMessageBytes {
		return fmt.Errorf("message must not exceed %d bytes", maxMessageBytes)
	}
	return nil
}
