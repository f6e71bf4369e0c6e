package seccomp

import (
	"sort"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

var (
	// memory is what any dynamically linked binary needs to start.
	memory = Group{"memory", []string{
		"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
	}}

	fileRead = Group{"file-read", []string{
		"read", "readv", "pread64",
		"open", "openat", "close", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx", "statfs", "fstatfs",
		"access", "faccessat", "faccessat2",
		"readlink", "readlinkat", "getdents64", "getcwd", "chdir", "fchdir",
		"fcntl", "dup", "dup2", "dup3", "ioctl",
	}}

	// scratch covers writes to stdout and the noexec tmpfs mounts.
	scratch = Group{"scratch", []string{
		"write", "writev", "pwrite64",
		"ftruncate", "fallocate", "fsync", "fdatasync", "flock",
		"unlink", "unlinkat", "rename", "renameat", "renameat2",
		"mkdir", "mkdirat", "rmdir",
		"umask", "chmod", "fchmod", "fchmodat",
	}}

	// process is fork, exec and reaping, as done by sandbox-entry itself.
	process = Group{"process", []string{
		"execve", "clone", "clone3", "vfork",
		"wait4", "waitid", "exit", "exit_group",
		"set_tid_address", "set_robust_list", "get_robust_list", "rseq",
		"arch_prctl", "prctl", "getrlimit", "prlimit64", "futex",
		"getpgrp", "getpgid", "setpgid", "getsid",
		"pipe", "pipe2", "poll", "ppoll", "select", "pselect6",
	}}

	// signals carry both timeout layers: the wrapped program's own alarm and
	// the watchdog's kill.
	signals = Group{"signals", []string{
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend", "sigaltstack",
		"kill", "tkill", "tgkill", "alarm", "setitimer", "getitimer", "pause",
	}}

	clock = Group{"clock", []string{
		"clock_gettime", "clock_getres", "gettimeofday", "nanosleep", "clock_nanosleep",
	}}

	identity = Group{"identity", []string{
		"getpid", "getppid", "gettid",
		"getuid", "geteuid", "getgid", "getegid", "getgroups", "getresuid", "getresgid",
		"uname", "sysinfo", "getrusage", "times", "getrandom",
	}}

	// threads and eventLoop are for the multi-threaded interpreters.
	threads = Group{"threads", []string{
		"sched_getaffinity", "sched_yield", "membarrier",
	}}

	eventLoop = Group{"event-loop", []string{
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "eventfd2",
	}}

	// jit is V8's code space setup.
	jit = Group{"jit", []string{"memfd_create"}}

	network = Group{"network", []string{
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockopt", "setsockopt", "getsockname", "getpeername", "shutdown",
	}}

	trapped = Group{"trapped", []string{
		"ptrace", "process_vm_readv", "process_vm_writev",
		"keyctl", "add_key", "request_key",
		"bpf", "perf_event_open", "userfaultfd",
		"kexec_load", "kexec_file_load",
		"init_module", "finit_module", "delete_module",
	}}

	denied = Group{"denied", []string{
		"mount", "umount2", "pivot_root", "reboot", "swapon", "swapoff",
		"sethostname", "setdomainname", "setns", "unshare",
		"acct", "settimeofday", "adjtimex", "clock_adjtime",
		"nfsservctl", "personality", "lookup_dcookie", "ioperm", "iopl",
	}}
)

// entry is what sandbox-entry's sh, its watchdog subshell and sleep use.
var entry = []Group{memory, fileRead, scratch, process, signals, clock, identity}

var languageGroups = map[string][]Group{
	"python": append(entry[:len(entry):len(entry)], threads, eventLoop),
	"node":   append(entry[:len(entry):len(entry)], threads, eventLoop, jit),
	"bash":   entry,
	"sql":    entry,
}

// Languages lists the languages with a dedicated profile.
func Languages() []string {
	langs := make([]string, 0, len(languageGroups))
	for l := range languageGroups {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// ForLanguage returns the profile for language, with socket calls added only
// when network is granted. An unknown language gets the union of every
// language's groups.
func ForLanguage(language string, withNetwork bool) *specs.LinuxSeccomp {
	groups, ok := languageGroups[language]
	if !ok {
		groups = unionGroups()
	}
	if withNetwork {
		groups = append(groups[:len(groups):len(groups)], network)
	}
	return Profile(groups...)
}

func unionGroups() []Group {
	seen := make(map[string]bool)
	var all []Group
	for _, lang := range Languages() {
		for _, g := range languageGroups[lang] {
			if !seen[g.Name] {
				seen[g.Name] = true
				all = append(all, g)
			}
		}
	}
	return all
}
