package reasoning

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"predix-agent-backend/internal/dialogue"
)

//go:embed prompts/agent.yaml
var promptFS embed.FS

// PromptSpec is the YAML description of the agent prompt. Tools maps a tool
// name to a description that replaces the built-in one.
type PromptSpec struct {
	System string            `yaml:"system"`
	Tools  map[string]string `yaml:"tools"`
	Style  struct {
		Temperature float32 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
	} `yaml:"style"`

	tmpl *template.Template
}

// LoadPromptSpec reads the prompt spec at path, or the embedded default when
// path is empty.
func LoadPromptSpec(path string) (*PromptSpec, error) {
	var (
		b   []byte
		err error
	)
	if path == "" {
		b, err = promptFS.ReadFile("prompts/agent.yaml")
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read prompt spec")
	}
	return ParsePromptSpec(b)
}

func ParsePromptSpec(b []byte) (*PromptSpec, error) {
	var spec PromptSpec
	if err := yaml.Unmarshal(b, &spec); err != nil {
		return nil, errors.Wrap(err, "parse prompt spec")
	}
	if strings.TrimSpace(spec.System) == "" {
		return nil, errors.New("prompt spec has no system prompt")
	}
	tmpl, err := template.New("system").Parse(spec.System)
	if err != nil {
		return nil, errors.Wrap(err, "parse system prompt")
	}
	spec.tmpl = tmpl
	if spec.Style.Temperature <= 0 {
		spec.Style.Temperature = 0.2
	}
	if spec.Style.MaxTokens <= 0 {
		spec.Style.MaxTokens = 400
	}
	return &spec, nil
}

type promptData struct {
	DateTime string
	Day      string
	State    dialogue.FlowState
	Slots    []string
}

// Render fills the system prompt for the given moment and dialogue state.
func (p *PromptSpec) Render(now time.Time, slots dialogue.SlotSet, state dialogue.FlowState) (string, error) {
	now = now.UTC()
	var buf bytes.Buffer
	err := p.tmpl.Execute(&buf, promptData{
		DateTime: now.Format(time.DateTime),
		Day:      now.Weekday().String(),
		State:    state,
		Slots:    slotLines(slots),
	})
	if err != nil {
		return "", errors.Wrap(err, "render system prompt")
	}
	return strings.TrimSpace(buf.String()), nil
}

// Description returns the override for a tool, or fallback.
func (p *PromptSpec) Description(tool, fallback string) string {
	if d := strings.TrimSpace(p.Tools[tool]); d != "" {
		return d
	}
	return fallback
}

var slotOrder = []dialogue.SlotKey{
	dialogue.SlotFixtureID, dialogue.SlotHomeTeam, dialogue.SlotAwayTeam,
	dialogue.SlotSelectedType, dialogue.SlotAmount, dialogue.SlotCurrency,
	dialogue.SlotNetworkFrom, dialogue.SlotAssetFrom, dialogue.SlotNetworkTo, dialogue.SlotAssetTo,
}

func slotLines(s dialogue.SlotSet) []string {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	var out []string
	for _, k := range slotOrder {
		if v, ok := m[string(k)]; ok {
			out = append(out, fmt.Sprintf("%s: %v", k, v))
		}
	}
	return out
}
