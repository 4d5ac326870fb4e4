package services

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestFallbackTitleTruncatesOnRunes(t *testing.T) {
	brief := strings.Repeat("a", 59) + "é todo app"
	input := ports.GenerateInput{Brief: brief, Round: domain.RoundInitial}

	readme := FallbackReadme(input)
	html := FallbackIndexHTML(input)

	assert.True(t, utf8.ValidString(readme))
	assert.True(t, utf8.ValidString(html))
	assert.True(t, strings.HasPrefix(readme, "# "+strings.Repeat("a", 59)+"é\n"))
}

func TestFallbackTitleDefaults(t *testing.T) {
	assert.Equal(t, "Generated App", fallbackTitle("   "))
	assert.Equal(t, "todo app", fallbackTitle("todo app. with extras"))
}
