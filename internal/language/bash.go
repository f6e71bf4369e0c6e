package language

import "time"

var bashPatterns = []Pattern{
	pattern("bash_fork_bomb", "fork bomb signature", `:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:|(\w+)\s*\(\s*\)\s*\{\s*(\w+)\s*\|\s*(\w+)\s*&\s*\}`),
	pattern("bash_rm_root", "recursive delete from root", `(?m)\brm\s+(-[a-zA-Z]*[rRf][a-zA-Z]*\s+)+(/\s|/\*|/$|--no-preserve-root)`),
	pattern("bash_mkfs", "formats a filesystem", `\bmkfs(\.\w+)?\b`),
	pattern("bash_dd_device", "writes raw devices", `\bdd\b[^\n]*\bof=/dev/`),
	pattern("bash_dev_tcp", "opens sockets through /dev/tcp", `/dev/(tcp|udp)/`),
	pattern("bash_netcat_exec", "netcat with command execution", `\b(nc|ncat|netcat)\b[^\n]*\s-(e|c)\b`),
	pattern("bash_pipe_to_shell", "downloads and executes a script", `\b(curl|wget)\b[^\n|]*\|\s*(ba|z|da)?sh\b`),
	pattern("bash_setuid", "sets the setuid bit", `\bchmod\s+([ugoa]*\+s|[0-7]?[4-7][0-7]{3})\b`),
	pattern("bash_privilege", "privilege escalation tools", `(?m)(^|[;&|]\s*)(sudo|su|doas)\s`),
	pattern("bash_infinite_loop", "naive infinite loop", `while\s+(true|:|\[\s*1\s*\])\s*;\s*do\s*(:|true)?\s*;?\s*done|until\s+false\s*;\s*do\s*(:|true)?\s*;?\s*done`),
}

// BashHandler configures execution of Bash scripts.
type BashHandler struct {
	profile Profile
}

func newBash(image string) *BashHandler {
	p := baseProfile("bash", "sandbox-bash:5", ".sh")
	p.DefaultTimeout = 5 * time.Second
	p.MaxTimeout = 30 * time.Second
	p.Limits.MemoryMB = 128
	if image != "" {
		p.Image = image
	}
	return &BashHandler{profile: p}
}

func (h *BashHandler) Name() string { return "bash" }

func (h *BashHandler) Profile() Profile { return h.profile }

func (h *BashHandler) Patterns() []Pattern { return bashPatterns }

func (h *BashHandler) FileExtension() string { return ".sh" }

func (h *BashHandler) WrapCode(code string, timeout time.Duration) (string, error) {
	return render("bash.sh.tmpl", wrapData{
		TimeoutSeconds: timeoutSeconds(timeout),
		ExitCode:       TimeoutExitCode,
		InputPath:      InputPath,
		Source:         code,
	})
}

func (h *BashHandler) Process(codePath string) Process {
	return Process{
		Args: []string{
			"/bin/bash",
			"--noprofile",
			"--norc",
			"-u", // Treat unset variables as error
			codePath,
		},
	}
}
