// Package prompts loads the prompt catalogue that drives the system prompt,
// the planner's trailing instruction and the instructions of the built-in
// language-model tools.
package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"text/template"

	"github.com/harun/tata/pkg/agent"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalogue []byte

// Catalogue is the parsed prompt file.
type Catalogue struct {
	Version      int               `yaml:"version"`
	Role         string            `yaml:"role"`
	OutputFormat string            `yaml:"output_format"`
	ToolsHeader  string            `yaml:"tools_header"`
	HumanHeader  string            `yaml:"human_header"`
	HumanEmpty   string            `yaml:"human_empty"`
	Workflow     string            `yaml:"workflow"`
	Closing      string            `yaml:"closing"`
	TaskRules    string            `yaml:"task_rules"`
	Planner      string            `yaml:"planner"`
	Tools        map[string]string `yaml:"tools"`

	planner *template.Template
}

// PlannerData fills the planner template.
type PlannerData struct {
	Query         string
	Agenda        string
	SessionMemory string
	LoopWarning   string
	RecentTools   string
	TaskRules     string
}

// Parse decodes a catalogue and compiles its planner template.
func Parse(data []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse prompt catalogue: %w", err)
	}
	if strings.TrimSpace(c.Role) == "" {
		return nil, fmt.Errorf("prompt catalogue: role is required")
	}
	if strings.TrimSpace(c.Planner) == "" {
		return nil, fmt.Errorf("prompt catalogue: planner is required")
	}

	tmpl, err := template.New("planner").Option("missingkey=zero").Parse(c.Planner)
	if err != nil {
		return nil, fmt.Errorf("prompt catalogue: invalid planner template: %w", err)
	}
	c.planner = tmpl

	return &c, nil
}

// Default returns the embedded catalogue.
func Default() *Catalogue {
	c, err := Parse(defaultCatalogue)
	if err != nil {
		panic(fmt.Sprintf("embedded prompt catalogue is invalid: %v", err))
	}
	return c
}

// Store holds the active catalogue and swaps it atomically on reload. It
// satisfies agent.SystemPromptSource and the planner's prompt source.
type Store struct {
	current atomic.Pointer[Catalogue]
	path    string
}

// NewStore loads path, or the embedded catalogue when path is empty. Keys
// missing from an override file fall back to the embedded defaults.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the catalogue file. The previous catalogue stays active on error.
func (s *Store) Reload() error {
	if s.path == "" {
		s.current.Store(Default())
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read prompt catalogue: %w", err)
	}

	c, err := Parse(mergeWithDefault(data))
	if err != nil {
		return err
	}
	s.current.Store(c)
	return nil
}

// Path returns the override file path, empty for the embedded catalogue.
func (s *Store) Path() string {
	return s.path
}

// Catalogue returns the active catalogue.
func (s *Store) Catalogue() *Catalogue {
	if s == nil {
		return nil
	}
	return s.current.Load()
}

// SystemPrompt renders the system prompt for the given tools and human profile.
func (s *Store) SystemPrompt(tools []agent.ToolSpec, humanCapabilities string) (string, error) {
	c := s.Catalogue()
	if c == nil {
		return "", fmt.Errorf("%w: prompt catalogue not loaded", agent.ErrConfiguration)
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(c.Role))
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(c.OutputFormat))
	b.WriteString("\n\n")
	b.WriteString(renderTools(c.ToolsHeader, tools))
	b.WriteString("\n")
	b.WriteString(renderHuman(c, humanCapabilities))
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(c.Workflow))
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(c.Closing))

	return b.String(), nil
}

// PlannerPrompt renders the trailing human-role planner instruction.
func (s *Store) PlannerPrompt(data PlannerData) (string, error) {
	c := s.Catalogue()
	if c == nil || c.planner == nil {
		return "", fmt.Errorf("%w: prompt catalogue not loaded", agent.ErrConfiguration)
	}
	if data.TaskRules == "" {
		data.TaskRules = strings.TrimSpace(c.TaskRules)
	}

	var buf bytes.Buffer
	if err := c.planner.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: planner template: %v", agent.ErrConfiguration, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// ToolInstruction returns the system instruction of a built-in tool.
func (s *Store) ToolInstruction(tool string) string {
	c := s.Catalogue()
	if c == nil {
		return ""
	}
	if inst, ok := c.Tools[tool]; ok {
		return strings.TrimSpace(inst)
	}
	return strings.TrimSpace(c.Tools["llm_general"])
}

func renderTools(header string, tools []agent.ToolSpec) string {
	if len(tools) == 0 {
		return ""
	}

	sorted := append([]agent.ToolSpec(nil), tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString(strings.TrimSpace(header))
	b.WriteString("\n")
	for _, t := range sorted {
		label := t.Name
		if t.DisplayName != "" {
			label = fmt.Sprintf("%s (%s)", t.Name, t.DisplayName)
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", label, t.Description)
		if t.Usage != "" {
			fmt.Fprintf(&b, "  - 调用参数: `%s`\n", t.Usage)
		}
	}
	return b.String()
}

func renderHuman(c *Catalogue, humanCapabilities string) string {
	if strings.TrimSpace(humanCapabilities) == "" {
		return strings.TrimSpace(c.HumanEmpty) + "\n"
	}
	return strings.TrimSpace(c.HumanHeader) + "\n\n" + strings.TrimSpace(humanCapabilities) + "\n"
}

// mergeWithDefault overlays an override file on the embedded catalogue so a
// partial file only needs the keys it changes.
func mergeWithDefault(override []byte) []byte {
	var base, over map[string]interface{}
	if err := yaml.Unmarshal(defaultCatalogue, &base); err != nil {
		return override
	}
	if err := yaml.Unmarshal(override, &over); err != nil {
		return override
	}
	for k, v := range over {
		if k == "tools" {
			if bt, ok := base["tools"].(map[string]interface{}); ok {
				if ot, ok := v.(map[string]interface{}); ok {
					for tk, tv := range ot {
						bt[tk] = tv
					}
					continue
				}
			}
		}
		base[k] = v
	}
	merged, err := yaml.Marshal(base)
	if err != nil {
		return override
	}
	return merged
}
