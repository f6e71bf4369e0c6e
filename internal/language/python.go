package language

import (
	"strconv"
	"strings"
	"time"
)

// pythonModules may be imported by sandboxed Python code.
var pythonModules = []string{
	"abc", "array", "bisect", "calendar", "cmath", "collections", "copy", "csv",
	"dataclasses", "datetime", "decimal", "enum", "fractions", "functools", "hashlib",
	"heapq", "itertools", "json", "math", "numbers", "operator", "pprint", "random",
	"re", "statistics", "string", "textwrap", "time", "typing", "unicodedata", "uuid",
}

var pythonPatterns = []Pattern{
	pattern("python_os_import", "imports the os module", `(?m)^\s*(from\s+os(\.\w+)?\s+import\b|import\s+[\w \t,.]*\bos\b)`),
	pattern("python_subprocess", "spawns processes via subprocess", `\bsubprocess\b`),
	pattern("python_dunder_import", "dynamic import via __import__", `__import__\s*\(`),
	pattern("python_importlib", "dynamic import via importlib", `\bimportlib\b`),
	pattern("python_eval_exec", "evaluates dynamic code", `(?:^|[^.\w])(eval|exec|compile)\s*\(`),
	pattern("python_ctypes", "loads native code via ctypes/cffi", `\b(ctypes|cffi)\b`),
	pattern("python_socket", "opens raw sockets", `(?m)^\s*(import|from)\s+socket\b`),
	pattern("python_pty", "spawns a pseudo terminal", `(?m)^\s*(import|from)\s+pty\b`),
	pattern("python_multiprocessing", "forks worker processes", `\bmultiprocessing\b|\bos\.fork\s*\(`),
	pattern("python_builtins_escape", "reaches builtins through object internals", `__(subclasses|globals|builtins|code|class)__`),
	pattern("python_infinite_loop", "naive infinite loop", `(?m)^[ \t]*while[ \t]+(True|1)[ \t]*:[ \t]*(\n[ \t]+)?(pass|\.\.\.)[ \t]*$`),
}

// PythonHandler configures execution of Python code.
type PythonHandler struct {
	profile Profile
}

func newPython(image string) *PythonHandler {
	p := baseProfile("python", "sandbox-python:3.12", ".py")
	if image != "" {
		p.Image = image
	}
	return &PythonHandler{profile: p}
}

func (h *PythonHandler) Name() string { return "python" }

func (h *PythonHandler) Profile() Profile { return h.profile }

func (h *PythonHandler) Patterns() []Pattern { return pythonPatterns }

func (h *PythonHandler) FileExtension() string { return ".py" }

func (h *PythonHandler) WrapCode(code string, timeout time.Duration) (string, error) {
	quoted := make([]string, len(pythonModules))
	for i, m := range pythonModules {
		quoted[i] = strconv.Quote(m)
	}
	return render("python.py.tmpl", wrapData{
		TimeoutSeconds: timeoutSeconds(timeout),
		ExitCode:       TimeoutExitCode,
		InputPath:      InputPath,
		Source:         encodeSource(code),
		AllowedModules: "[" + strings.Join(quoted, ", ") + "]",
	})
}

func (h *PythonHandler) Process(codePath string) Process {
	return Process{
		Args: []string{
			"python3", "-u", // Unbuffered output
			"-B",            // Don't write .pyc files
			"-I",            // Isolated mode: ignore PYTHON* env and user site-packages
			codePath,
		},
		Env: []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONIOENCODING=utf-8"},
	}
}
