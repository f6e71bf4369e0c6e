package seccomp

import (
	"encoding/json"
	"slices"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestForLanguage_DenyByDefault(t *testing.T) {
	for _, lang := range append(Languages(), "") {
		p := ForLanguage(lang, false)
		if p.DefaultAction != specs.ActErrno {
			t.Errorf("%q: DefaultAction = %v, want ActErrno", lang, p.DefaultAction)
		}
		if !slices.Contains(p.Architectures, specs.ArchX86_64) {
			t.Errorf("%q: missing x86_64", lang)
		}
	}
}

// Every image starts through sandbox-entry, whose watchdog forks a subshell
// that sleeps and then signals the process group.
func TestForLanguage_EntryWatchdog(t *testing.T) {
	watchdog := []string{
		"execve", "clone", "wait4", "kill", "nanosleep", "clock_nanosleep",
		"rt_sigaction", "rt_sigprocmask", "setpgid", "pipe2", "dup2", "exit_group",
	}
	for _, lang := range Languages() {
		p := ForLanguage(lang, false)
		for _, name := range watchdog {
			if !Allowed(p, name) {
				t.Errorf("%s: watchdog needs %q", lang, name)
			}
		}
	}
}

func TestForLanguage_Needs(t *testing.T) {
	tests := []struct {
		language string
		allowed  []string
		refused  []string
	}{
		{
			language: "sql",
			// sqlite3 journaling against the scratch database.
			allowed: []string{"pread64", "pwrite64", "fcntl", "fdatasync", "fsync", "ftruncate", "unlink"},
			refused: []string{"epoll_wait", "memfd_create", "sched_getaffinity", "socket"},
		},
		{
			language: "bash",
			allowed:  []string{"getpgrp", "alarm", "setitimer", "getdents64"},
			refused:  []string{"epoll_create1", "memfd_create", "socket"},
		},
		{
			language: "python",
			allowed:  []string{"epoll_create1", "getrandom", "sched_getaffinity", "alarm"},
			refused:  []string{"memfd_create", "socket"},
		},
		{
			language: "node",
			allowed:  []string{"memfd_create", "epoll_pwait", "eventfd2", "membarrier"},
			refused:  []string{"socket", "connect"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			p := ForLanguage(tt.language, false)
			for _, name := range tt.allowed {
				if !Allowed(p, name) {
					t.Errorf("%q should be allowed", name)
				}
			}
			for _, name := range tt.refused {
				if Allowed(p, name) {
					t.Errorf("%q should be refused", name)
				}
			}
		})
	}
}

func TestForLanguage_Network(t *testing.T) {
	for _, lang := range Languages() {
		p := ForLanguage(lang, true)
		for _, name := range []string{"socket", "connect", "recvfrom"} {
			if !Allowed(p, name) {
				t.Errorf("%s with network: %q should be allowed", lang, name)
			}
		}
	}
}

func TestForLanguage_UnknownGetsUnion(t *testing.T) {
	p := ForLanguage("cobol", false)
	for _, name := range []string{"memfd_create", "epoll_wait", "pwrite64"} {
		if !Allowed(p, name) {
			t.Errorf("%q should be allowed for an unknown language", name)
		}
	}
	if Allowed(p, "socket") {
		t.Error("socket should be refused without network")
	}
}

func TestForLanguage_EscapeCallsRefused(t *testing.T) {
	for _, lang := range append(Languages(), "") {
		p := ForLanguage(lang, true)
		for _, name := range []string{"ptrace", "bpf", "mount", "unshare", "setns", "kexec_load"} {
			if Allowed(p, name) {
				t.Errorf("%q: %q must be refused", lang, name)
			}
		}
	}
}

func TestProfile_TrapsPtrace(t *testing.T) {
	p := Profile(Group{Name: "mixed", Syscalls: []string{"read", "ptrace", "mount"}})

	if !Allowed(p, "read") {
		t.Error("read should be allowed")
	}
	var action specs.LinuxSeccompAction
	for _, rule := range p.Syscalls {
		if slices.Contains(rule.Names, "ptrace") {
			action = rule.Action
			break
		}
	}
	if action != specs.ActTrap {
		t.Errorf("ptrace action = %v, want ActTrap", action)
	}
	if Allowed(p, "mount") {
		t.Error("a group must not re-allow a denied call")
	}
}

func TestAllowedSyscalls(t *testing.T) {
	p := Profile(
		Group{Name: "a", Syscalls: []string{"write", "read"}},
		Group{Name: "b", Syscalls: []string{"read", "close"}},
	)
	got := AllowedSyscalls(p)
	want := []string{"close", "read", "write"}
	if !slices.Equal(got, want) {
		t.Errorf("AllowedSyscalls = %v, want %v", got, want)
	}
}

func TestProfileJSON(t *testing.T) {
	data, err := ProfileJSON(ForLanguage("python", false))
	if err != nil {
		t.Fatalf("ProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestProfileJSON_Nil(t *testing.T) {
	if _, err := ProfileJSON(nil); err == nil {
		t.Error("ProfileJSON(nil) should fail")
	}
}
