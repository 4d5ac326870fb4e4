package generator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
)

// ReadmeMarker separates the HTML document from the README in model output.
const ReadmeMarker = "---README.md---"

var fencePattern = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*\\s*\\n?(.*?)\\n?```\\s*$")

// BuildPrompt renders the instructions sent to the model.
func BuildPrompt(input ports.GenerateInput) string {
	var b strings.Builder

	if input.Round == domain.RoundRevision {
		b.WriteString("You are revising an existing single-page web application (round 2).\n\n")
	} else {
		b.WriteString("You are building a new single-page web application (round 1).\n\n")
	}

	b.WriteString("TASK:\n")
	b.WriteString(input.Brief + "\n\n")

	if input.Round == domain.RoundRevision && input.PreviousReadme != "" {
		b.WriteString("PREVIOUS README.md (from round 1):\n")
		b.WriteString(input.PreviousReadme + "\n\n")
		b.WriteString("Keep the existing functionality working and apply the requested changes.\n\n")
	}

	if len(input.Checks) > 0 {
		b.WriteString("REQUIREMENTS (every one must be satisfied):\n")
		for i, c := range input.Checks {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c)
		}
		b.WriteString("\n")
	}

	if len(input.Attachments) > 0 {
		b.WriteString("ATTACHMENTS (files shipped next to index.html):\n")
		for _, a := range input.Attachments {
			fmt.Fprintf(&b, "  - %s (%s, %d bytes)\n", a.Name, a.MIME, a.Size)
		}
		b.WriteString("\n")
	}

	b.WriteString("OUTPUT FORMAT:\n")
	b.WriteString("1. A complete, self-contained index.html with inline CSS and JavaScript.\n")
	b.WriteString("2. Then a line containing exactly " + ReadmeMarker + "\n")
	b.WriteString("3. Then a professional README.md describing the app, its usage and the technologies used.\n")
	b.WriteString("Do not wrap either part in markdown code fences and do not add any other commentary.\n")
	return b.String()
}

// ParseOutput splits model output into index.html and README.md. Output
// without the marker yields only index.html; callers back-fill the README.
func ParseOutput(text string) domain.ArtifactSet {
	artifacts := domain.ArtifactSet{}

	html, readme, found := strings.Cut(text, ReadmeMarker)
	if html = StripFences(html); html != "" {
		artifacts[domain.FileIndexHTML] = html
	}
	if found {
		if readme = StripFences(readme); readme != "" {
			artifacts[domain.FileReadme] = readme
		}
	}
	return artifacts
}

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}
