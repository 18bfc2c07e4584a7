package generate

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/MrWong99/tonerag/internal/tone"
	"github.com/MrWong99/tonerag/pkg/types"
)

// DefaultTemplate is used for profiles that carry no prompt template of their
// own.
const DefaultTemplate = `{{if .Examples}}Use the following reference examples of the target style.

{{.Context}}

{{end}}Rewrite the text below in a {{.Tone}} tone.{{if .Description}} {{.Description}}{{end}}
Keep the meaning and return only the rewritten text.

Text: {{.Query}}`

var defaultTmpl = template.Must(template.New("default").Option("missingkey=error").Parse(DefaultTemplate))

// Example is one reference document as seen by a prompt template.
type Example struct {
	// Index is the 1-based rank of the document.
	Index  int
	ID     string
	Source string
	Text   string
	Score  float32
}

// PromptData is the value prompt templates are executed against.
type PromptData struct {
	Query       string
	Tone        string
	Description string

	// Context is Examples pre-rendered as numbered reference blocks.
	Context  string
	Examples []Example
}

// BuildPrompt renders the user prompt for query in the profile's tone using
// docs in the given order. The output depends only on its inputs.
func BuildPrompt(query string, p tone.Profile, docs []types.ScoredDocument) (string, error) {
	data := PromptData{
		Query:       query,
		Tone:        p.ToneID,
		Description: p.Description,
		Examples:    make([]Example, len(docs)),
	}
	var ctx strings.Builder
	for i, d := range docs {
		ex := Example{
			Index:  i + 1,
			ID:     d.Document.ID,
			Source: d.Document.Source(),
			Text:   d.Document.Text,
			Score:  d.Score,
		}
		data.Examples[i] = ex
		if i > 0 {
			ctx.WriteString("\n\n")
		}
		src := ex.Source
		if src == "" {
			src = ex.ID
		}
		fmt.Fprintf(&ctx, "[Reference Document %d] (%s):\n%s", ex.Index, src, ex.Text)
	}
	data.Context = ctx.String()

	tmpl := p.Template()
	if tmpl == nil {
		tmpl = defaultTmpl
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt for tone %q: %w", p.ToneID, err)
	}
	return sb.String(), nil
}
