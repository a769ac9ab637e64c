package engine

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/jdziat/job-relay/pkg/core"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var prompts = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

type promptData struct {
	JobID    string
	FilePath string
	Content  string
	Ticket   string
}

func templateFor(kind core.JobKind, debug bool) string {
	switch kind {
	case core.KindManifest:
		if debug {
			return "manifest_debug.tmpl"
		}
		return "manifest.tmpl"
	case core.KindCommand, core.KindStatus:
		return "command.tmpl"
	}
	return "write.tmpl"
}

// prompt renders the text submitted to the page for the current job.
func (e *Engine) prompt(st *core.RelayState) (string, error) {
	data := promptData{
		JobID:    e.job.ID,
		FilePath: e.job.FilePath,
		Content:  e.job.Content,
	}
	if t := st.ActiveTicket(); t != nil {
		data.Ticket = strings.TrimSpace(t.Description)
	}

	var b strings.Builder
	name := templateFor(e.job.Kind, e.cfg.Debug)
	if err := prompts.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", fmt.Errorf("%w: empty prompt for %s", core.ErrInvalidConfig, e.job.ID)
	}
	return out, nil
}
