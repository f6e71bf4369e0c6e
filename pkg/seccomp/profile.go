// Package seccomp builds the deny-by-default syscall filters applied to
// sandbox containers. A profile is assembled from named syscall groups, and
// every language gets only the groups its interpreter and the sandbox-entry
// watchdog use.
package seccomp

import (
	"slices"
	"sort"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Group is a named set of syscalls granted together.
type Group struct {
	Name     string
	Syscalls []string
}

var architectures = []specs.Arch{specs.ArchX86_64, specs.ArchAARCH64}

// Profile allows the syscalls of groups and fails everything else with
// EPERM. The escape-relevant calls in trapped and denied get explicit rules
// so they stay refused even if a group lists them.
func Profile(groups ...Group) *specs.LinuxSeccomp {
	p := &specs.LinuxSeccomp{
		DefaultAction: specs.ActErrno,
		Architectures: slices.Clone(architectures),
	}
	for _, g := range groups {
		names := slices.DeleteFunc(slices.Clone(g.Syscalls), refused)
		if len(names) == 0 {
			continue
		}
		p.Syscalls = append(p.Syscalls, specs.LinuxSyscall{Names: names, Action: specs.ActAllow})
	}
	p.Syscalls = append(p.Syscalls,
		specs.LinuxSyscall{Names: slices.Clone(trapped.Syscalls), Action: specs.ActTrap},
		specs.LinuxSyscall{Names: slices.Clone(denied.Syscalls), Action: specs.ActErrno},
	)
	return p
}

func refused(name string) bool {
	return slices.Contains(trapped.Syscalls, name) || slices.Contains(denied.Syscalls, name)
}

// Allowed reports whether p lets name through.
func Allowed(p *specs.LinuxSeccomp, name string) bool {
	if p == nil {
		return true
	}
	for _, rule := range p.Syscalls {
		if slices.Contains(rule.Names, name) {
			return rule.Action == specs.ActAllow
		}
	}
	return p.DefaultAction == specs.ActAllow
}

// AllowedSyscalls returns every syscall p allows, sorted.
func AllowedSyscalls(p *specs.LinuxSeccomp) []string {
	var names []string
	for _, rule := range p.Syscalls {
		if rule.Action == specs.ActAllow {
			names = append(names, rule.Names...)
		}
	}
	sort.Strings(names)
	return slices.Compact(names)
}
