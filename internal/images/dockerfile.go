package images

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed assets/sandbox-entry
var entrypointScript []byte

var dockerfileTmpl = template.Must(template.New("Dockerfile").Funcs(template.FuncMap{
	"install": installCommand,
	"join":    strings.Join,
}).Parse(`# Generated from the {{.Language}} build spec. Do not edit.
FROM {{.Base}}
{{- if .Packages}}
RUN {{install .}}
{{- end}}
{{- range .Harden}}
RUN {{.}}
{{- end}}
RUN find / -xdev \( -perm -4000 -o -perm -2000 \) -type f -exec chmod a-s {} + 2>/dev/null || true
COPY sandbox-entry {{.Entrypoint}}
RUN chmod 0555 {{.Entrypoint}}
{{- if .Strip}}
RUN rm -f {{join .Strip " "}}
{{- end}}
ENV SANDBOX_NOFILE={{.Ulimits.NoFile}} \
    SANDBOX_FSIZE_KB={{.Ulimits.FSizeKB}}
{{- range $k, $v := .Env}}
ENV {{$k}}={{printf "%q" $v}}
{{- end}}
USER 65534:65534
WORKDIR /workspace
ENTRYPOINT ["{{.Entrypoint}}"]
`))

func installCommand(s dockerfileData) string {
	pkgs := strings.Join(s.Packages, " ")
	if s.PackageManager == "apt" {
		return "apt-get update && apt-get install -y --no-install-recommends " + pkgs +
			" && rm -rf /var/lib/apt/lists/*"
	}
	return "apk add --no-cache " + pkgs
}

type dockerfileData struct {
	BuildSpec
	Entrypoint string
}

// RenderDockerfile produces the Dockerfile for a validated build spec.
func RenderDockerfile(spec BuildSpec) (string, error) {
	spec.applyDefaults()
	if err := spec.Validate(); err != nil {
		return "", err
	}
	var b strings.Builder
	if err := dockerfileTmpl.Execute(&b, dockerfileData{BuildSpec: spec, Entrypoint: EntrypointPath}); err != nil {
		return "", fmt.Errorf("rendering Dockerfile for %s: %w", spec.Language, err)
	}
	return b.String(), nil
}

// WriteContext writes a complete build context (Dockerfile plus the
// sandbox-entry wrapper) into dir.
func WriteContext(dir string, spec BuildSpec) error {
	dockerfile, err := RenderDockerfile(spec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0644); err != nil { // #nosec G306
		return err
	}
	return os.WriteFile(filepath.Join(dir, "sandbox-entry"), entrypointScript, 0755) // #nosec G306
}
