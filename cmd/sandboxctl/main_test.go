package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestLanguageForFile(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"job.py", "python", false},
		{"dir/app.JS", "node", false},
		{"x.mjs", "node", false},
		{"setup.sh", "bash", false},
		{"query.sql", "sql", false},
		{"main.go", "", true},
		{"Makefile", "", true},
	}
	for _, tt := range tests {
		got, err := languageForFile(tt.path)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("languageForFile(%q) = %q, %v", tt.path, got, err)
		}
	}
}

func TestRunFlagsRequest(t *testing.T) {
	inputs := filepath.Join(t.TempDir(), "in.json")
	if err := os.WriteFile(inputs, []byte(`{"n": 3}`), 0o600); err != nil {
		t.Fatal(err)
	}

	f := runFlags{language: "py", user: "alice", inputsFile: inputs, memoryMB: 64}
	req, err := f.request("print(1)")
	if err != nil {
		t.Fatal(err)
	}
	if req.Language != "py" || req.UserID != "alice" || req.Limits.MemoryMB != 64 {
		t.Errorf("request = %+v", req)
	}
	if req.Inputs["n"] != float64(3) {
		t.Errorf("inputs = %v", req.Inputs)
	}

	if err := os.WriteFile(inputs, []byte(`[1, 2]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := f.request("x"); err == nil {
		t.Error("expected an error for a non-object inputs file")
	}
}

func TestCall(t *testing.T) {
	var gotKey, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/missing"):
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"id":"missing","killed":false}`))
		case r.URL.Path == "/v1/forbidden":
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","code":"AUTH_REQUIRED"}`))
		default:
			w.Write([]byte(`{"total":1}`))
		}
	}))
	defer srv.Close()

	serverURL, apiKey = srv.URL+"/", "k1"
	t.Cleanup(func() { serverURL, apiKey = "", "" })
	ctx := context.Background()

	if err := call(ctx, http.MethodGet, "/v1/stats", url.Values{"user_id": {"bob"}}); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if gotKey != "k1" || gotPath != "/v1/stats" || gotQuery != "user_id=bob" {
		t.Errorf("request key=%q path=%q query=%q", gotKey, gotPath, gotQuery)
	}

	if err := call(ctx, http.MethodDelete, "/v1/executions/missing", nil, http.StatusNotFound); err != nil {
		t.Errorf("accepted 404 returned %v", err)
	}

	err := call(ctx, http.MethodGet, "/v1/forbidden", nil)
	if err == nil || !strings.Contains(err.Error(), "AUTH_REQUIRED") {
		t.Errorf("unauthorized error = %v", err)
	}
}

func TestSeccompCmd(t *testing.T) {
	run := func(args ...string) string {
		t.Helper()
		cmd := newSeccompCmd()
		var out strings.Builder
		cmd.SetOut(&out)
		cmd.SetArgs(args)
		if err := cmd.Execute(); err != nil {
			t.Fatalf("seccomp %v: %v", args, err)
		}
		return out.String()
	}

	sqlite := strings.Fields(run("sqlite", "--list"))
	if !slices.Contains(sqlite, "pwrite64") || slices.Contains(sqlite, "memfd_create") {
		t.Errorf("sql allowlist = %v", sqlite)
	}
	if slices.Contains(sqlite, "socket") {
		t.Error("socket allowed without --network")
	}
	if !strings.Contains(run("node", "--network"), `"socket"`) {
		t.Error("network profile should allow socket")
	}
}
