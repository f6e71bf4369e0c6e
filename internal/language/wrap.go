package language

import (
	"bytes"
	"embed"
	"encoding/base64"
	"fmt"
	"math"
	"text/template"
	"time"
)

// InputPath is where the optional input artifact is mounted inside the container.
const InputPath = "/workspace/input.json"

//go:embed wrappers/*.tmpl
var wrapperFS embed.FS

var wrappers = template.Must(template.ParseFS(wrapperFS, "wrappers/*.tmpl"))

type wrapData struct {
	TimeoutSeconds int
	ExitCode       int
	InputPath      string
	Source         string
	AllowedModules string
}

// timeoutSeconds rounds up so the in-process deadline never fires early.
func timeoutSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func render(name string, data wrapData) (string, error) {
	var buf bytes.Buffer
	if err := wrappers.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("rendering %s wrapper: %w", name, err)
	}
	return buf.String(), nil
}

func encodeSource(code string) string {
	return base64.StdEncoding.EncodeToString([]byte(code))
}
