package language

import "time"

var sqlPatterns = []Pattern{
	pattern("sql_drop", "drops schema objects", `(?i)\bdrop\s+(database|schema|table|view|index|trigger)\b`),
	pattern("sql_truncate", "truncates tables", `(?i)\btruncate\s+(table\s+)?\w`),
	pattern("sql_delete_all", "unconditional delete", `(?im)\bdelete\s+from\s+[\w."]+\s*(;|$)`),
	pattern("sql_attach", "attaches external database files", `(?i)\battach\s+(database\s+)?['"]`),
	pattern("sql_load_extension", "loads native extensions", `(?im)\bload_extension\s*\(|^\s*\.load\b`),
	pattern("sql_dot_shell", "sqlite shell escape", `(?m)^\s*\.(shell|system|output|once|import|open|save|backup|restore|read|cd)\b`),
	pattern("sql_writable_schema", "edits the schema table directly", `(?i)\bpragma\s+writable_schema\b`),
}

// SQLHandler runs SQL scripts against a throwaway in-memory SQLite database.
// It has no in-process deadline; the image entrypoint and the orchestrator enforce it.
type SQLHandler struct {
	profile Profile
}

func newSQL(image string) *SQLHandler {
	p := baseProfile("sql", "sandbox-sql:3", ".sql")
	p.DefaultTimeout = 5 * time.Second
	p.MaxTimeout = 30 * time.Second
	p.Limits.MemoryMB = 128
	p.Limits.PidsLimit = 10
	if image != "" {
		p.Image = image
	}
	return &SQLHandler{profile: p}
}

func (h *SQLHandler) Name() string { return "sql" }

func (h *SQLHandler) Profile() Profile { return h.profile }

func (h *SQLHandler) Patterns() []Pattern { return sqlPatterns }

func (h *SQLHandler) FileExtension() string { return ".sql" }

func (h *SQLHandler) WrapCode(code string, _ time.Duration) (string, error) {
	return code, nil
}

func (h *SQLHandler) Process(codePath string) Process {
	return Process{
		Args: []string{
			"sqlite3",
			"-bail",
			"-safe",
			"-batch",
			"-init", codePath,
			":memory:",
			".quit",
		},
	}
}
