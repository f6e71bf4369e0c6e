package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ProfileJSON renders p for `docker create --security-opt seccomp=<file>`.
// Docker's schema shares its field names with the OCI one (defaultAction,
// architectures, syscalls[].names/action/args).
func ProfileJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil seccomp profile")
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling seccomp profile: %w", err)
	}
	return data, nil
}
