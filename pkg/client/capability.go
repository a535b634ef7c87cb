package client

import (
	"fmt"
	"strings"
)

// Capability is one operation group a caller may be granted.
type Capability string

const (
	CapabilityRead    Capability = "READ"
	CapabilityPropose Capability = "PROPOSE"
	CapabilityDeploy  Capability = "DEPLOY"
)

// AllCapabilities grants every operation group.
var AllCapabilities = []Capability{CapabilityRead, CapabilityPropose, CapabilityDeploy}

// ParseCapabilities reads a comma separated list such as "read,propose".
// "all" and the empty string grant every capability.
func ParseCapabilities(value string) ([]Capability, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "all") {
		return AllCapabilities, nil
	}

	seen := make(map[Capability]bool)
	capabilities := make([]Capability, 0, len(AllCapabilities))

	for _, part := range strings.Split(value, ",") {
		capability := Capability(strings.ToUpper(strings.TrimSpace(part)))

		switch capability {
		case CapabilityRead, CapabilityPropose, CapabilityDeploy:
		default:
			return nil, fmt.Errorf("unknown capability %q", part)
		}

		if !seen[capability] {
			seen[capability] = true
			capabilities = append(capabilities, capability)
		}
	}

	return capabilities, nil
}
