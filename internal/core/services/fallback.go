package services

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
)

var fallbackPage = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>{{.Title}}</title>
  <style>
    body { font-family: system-ui, sans-serif; max-width: 760px; margin: 40px auto; padding: 0 20px; color: #222; }
    .card { border: 1px solid #ddd; border-radius: 8px; padding: 16px 20px; margin-bottom: 16px; }
    h1 { font-size: 1.6rem; }
    li { margin: 4px 0; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="card">
    <h2>Brief</h2>
    <p id="brief">{{.Brief}}</p>
    <p>Round {{.Round}}</p>
  </div>
  {{- if .Checks}}
  <div class="card">
    <h2>Requirements</h2>
    <ul>
    {{- range .Checks}}
      <li>{{.}}</li>
    {{- end}}
    </ul>
  </div>
  {{- end}}
  {{- if .Attachments}}
  <div class="card">
    <h2>Attachments</h2>
    <ul>
    {{- range .Attachments}}
      <li>{{.Name}} ({{.MIME}}, {{.Size}} bytes)</li>
    {{- end}}
    </ul>
  </div>
  {{- end}}
</body>
</html>
`))

type fallbackView struct {
	Title       string
	Brief       string
	Round       domain.Round
	Checks      []string
	Attachments []domain.Attachment
}

// FallbackArtifacts renders a deterministic artifact set used when the
// generator fails or returns nothing.
func FallbackArtifacts(input ports.GenerateInput) domain.ArtifactSet {
	return domain.ArtifactSet{
		domain.FileIndexHTML: FallbackIndexHTML(input),
		domain.FileReadme:    FallbackReadme(input),
	}
}

func FallbackIndexHTML(input ports.GenerateInput) string {
	var buf bytes.Buffer
	view := fallbackView{
		Title:       fallbackTitle(input.Brief),
		Brief:       input.Brief,
		Round:       input.Round,
		Checks:      input.Checks,
		Attachments: input.Attachments,
	}
	if err := fallbackPage.Execute(&buf, view); err != nil {
		// the template is static; only a writer failure could land here
		return fmt.Sprintf("<!DOCTYPE html><html><body><h1>Generated App</h1><p>%s</p></body></html>",
			template.HTMLEscapeString(input.Brief))
	}
	return buf.String()
}

func FallbackReadme(input ports.GenerateInput) string {
	var b strings.Builder
	b.WriteString("# " + fallbackTitle(input.Brief) + "\n\n")

	b.WriteString("## Brief\n\n")
	b.WriteString(input.Brief + "\n\n")

	b.WriteString("## Round\n\n")
	fmt.Fprintf(&b, "This is round %d of the task.\n\n", input.Round)

	if len(input.Checks) > 0 {
		b.WriteString("## Requirements\n\n")
		for _, c := range input.Checks {
			b.WriteString("- " + c + "\n")
		}
		b.WriteString("\n")
	}

	if len(input.Attachments) > 0 {
		b.WriteString("## Attachments\n\n")
		for _, a := range input.Attachments {
			fmt.Fprintf(&b, "- %s (%s, %d bytes)\n", a.Name, a.MIME, a.Size)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Usage\n\n")
	b.WriteString("Open `index.html` in a browser, or visit the GitHub Pages URL for this repository.\n\n")

	b.WriteString("## Technologies\n\n")
	b.WriteString("- HTML5\n- CSS3\n- JavaScript\n")
	return b.String()
}

func fallbackTitle(brief string) string {
	title := strings.TrimSpace(brief)
	if idx := strings.IndexAny(title, ".\n"); idx > 0 {
		title = title[:idx]
	}
	if runes := []rune(title); len(runes) > 60 {
		title = strings.TrimSpace(string(runes[:60]))
	}
	if title == "" {
		return "Generated App"
	}
	return title
}
