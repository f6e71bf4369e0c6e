package language

import "time"

var nodePatterns = []Pattern{
	pattern("node_child_process", "spawns processes via child_process", `child_process`),
	pattern("node_fs_require", "requires the filesystem module", `require\s*\(\s*['"](node:)?fs(/promises)?['"]\s*\)`),
	pattern("node_net_require", "requires a network module", `require\s*\(\s*['"](node:)?(net|dgram|http|https|tls|dns)['"]\s*\)`),
	pattern("node_vm_require", "requires vm or worker modules", `require\s*\(\s*['"](node:)?(vm|worker_threads|cluster|v8|inspector)['"]\s*\)`),
	pattern("node_process_binding", "reaches native bindings", `process\s*\.\s*(binding|_linkedBinding|dlopen)`),
	pattern("node_eval", "evaluates dynamic code", `(?:^|[^.\w])eval\s*\(|new\s+Function\s*\(`),
	pattern("node_constructor_escape", "escapes the context via constructor chains", `constructor\s*\.\s*constructor|\.constructor\s*\(\s*['"]return`),
	pattern("node_infinite_loop", "naive infinite loop", `while\s*\(\s*(true|1)\s*\)\s*(\{\s*\}|;)|for\s*\(\s*;\s*;\s*\)\s*(\{\s*\}|;)`),
}

// NodeHandler configures execution of JavaScript code.
type NodeHandler struct {
	profile Profile
}

func newNode(image string) *NodeHandler {
	p := baseProfile("node", "sandbox-node:20", ".js")
	if image != "" {
		p.Image = image
	}
	return &NodeHandler{profile: p}
}

func (h *NodeHandler) Name() string { return "node" }

func (h *NodeHandler) Profile() Profile { return h.profile }

func (h *NodeHandler) Patterns() []Pattern { return nodePatterns }

func (h *NodeHandler) FileExtension() string { return ".js" }

func (h *NodeHandler) WrapCode(code string, timeout time.Duration) (string, error) {
	return render("node.js.tmpl", wrapData{
		TimeoutSeconds: timeoutSeconds(timeout),
		ExitCode:       TimeoutExitCode,
		InputPath:      InputPath,
		Source:         encodeSource(code),
	})
}

func (h *NodeHandler) Process(codePath string) Process {
	return Process{
		Args: []string{
			"node",
			"--max-old-space-size=128",                // Limit V8 heap
			"--disallow-code-generation-from-strings", // Block eval(); vm is unaffected
			codePath,
		},
		Env: []string{"NODE_ENV=production"},
	}
}
