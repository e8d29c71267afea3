package generation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
)

func TestRenderResume(t *testing.T) {
	logger := arbor.NewLogger()
	renderer := NewFpdfRenderer(logger)

	tests := []struct {
		name     string
		markdown string
	}{
		{
			name: "basic resume",
			markdown: "# Jane Smith\n\njane@example.com | Portland, OR\n\n## Experience\n\n" +
				"**Acme Corp** — Staff Engineer\n\n- Led the platform team\n- Cut deploy times in half\n\n## Skills\n\nGo, Kubernetes, PostgreSQL",
		},
		{
			name:     "empty markdown",
			markdown: "",
		},
		{
			name:     "bold and italic",
			markdown: "Normal **Bold** *Italic* ***BoldItalic***",
		},
		{
			name:     "links",
			markdown: "[GitHub](https://github.com/janedev) and <https://janedev.dev>",
		},
		{
			name:     "table",
			markdown: "| Skill | Years |\n|-------|-------|\n| Go | 8 |\n| SQL | 6 |",
		},
		{
			name:     "code",
			markdown: "Shipped `cvforge` tooling:\n\n```\nmake release\n```",
		},
		{
			name:     "accented characters",
			markdown: "# José Núñez\n\nRésumé for a Zürich-based rôle.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdfBytes, err := renderer.Render(context.Background(), tt.markdown, "Test Résumé")
			assert.NoError(t, err)
			assert.NotEmpty(t, pdfBytes)
			assert.Equal(t, "%PDF", string(pdfBytes[:4]))
		})
	}
}

func TestRenderCancelledContext(t *testing.T) {
	renderer := NewFpdfRenderer(arbor.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := renderer.Render(ctx, "# Jane", "Résumé")
	assert.Error(t, err)
}

func TestRenderSubstantialDocument(t *testing.T) {
	renderer := NewFpdfRenderer(arbor.NewLogger())

	var b strings.Builder
	b.WriteString("# Jane Smith\n\n## Experience\n\n")
	for i := 0; i < 60; i++ {
		b.WriteString("- Built and operated a revenue-critical service end to end\n")
	}

	pdfBytes, err := renderer.Render(context.Background(), b.String(), "Long Résumé")
	assert.NoError(t, err)
	assert.Greater(t, len(pdfBytes), 1000)
	assert.Equal(t, "%PDF", string(pdfBytes[:4]))
}

func TestStripFrontmatter(t *testing.T) {
	withMeta := "---\nfrom: inbox@example.com\nsubject: resume\n---\n# Jane Smith"
	assert.Equal(t, "# Jane Smith", stripFrontmatter(withMeta))

	plain := "# Jane Smith\n\nNo metadata here."
	assert.Equal(t, plain, stripFrontmatter(plain))

	unterminated := "---\nno closing delimiter"
	assert.Equal(t, unterminated, stripFrontmatter(unterminated))
}

func TestResumeHTML(t *testing.T) {
	doc, err := resumeHTML("# Jane Smith\n\n- Go\n- SQL", "Jane <Smith>")
	assert.NoError(t, err)
	assert.Contains(t, doc, "<h1")
	assert.Contains(t, doc, "<li>Go</li>")
	assert.Contains(t, doc, "Jane &lt;Smith&gt;")
	assert.Contains(t, doc, "<style>")
}
