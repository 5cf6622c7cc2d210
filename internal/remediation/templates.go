package remediation

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/ato-compliance/internal/normalizer"
)

//go:embed templates.yaml
var defaultTemplates []byte

type stepTemplate struct {
	Description      string         `yaml:"description"`
	Command          string         `yaml:"command"`
	AutomationScript string         `yaml:"automation_script"`
	Patch            map[string]any `yaml:"patch"`
	APIVersion       string         `yaml:"api_version"`
}

type ruleTemplate struct {
	Steps      []stepTemplate `yaml:"steps"`
	Validation []string       `yaml:"validation"`
	Rollback   string         `yaml:"rollback"`
}

// TemplateSet renders remediation steps per classification rule.
type TemplateSet struct {
	templates map[string]ruleTemplate
}

// Rendered holds the steps generated for one finding.
type Rendered struct {
	Steps      []Step
	Validation []string
	Rollback   string
}

// DefaultTemplates returns the embedded template set.
func DefaultTemplates() *TemplateSet {
	ts, err := ParseTemplates(defaultTemplates)
	if err != nil {
		panic(fmt.Sprintf("embedded remediation templates are invalid: %v", err))
	}
	return ts
}

// LoadTemplates reads templates from a YAML file.
func LoadTemplates(path string) (*TemplateSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates %s: %w", path, err)
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes template YAML and checks every text field parses.
func ParseTemplates(data []byte) (*TemplateSet, error) {
	var file struct {
		Templates map[string]ruleTemplate `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	for rule, rt := range file.Templates {
		for _, text := range rt.texts() {
			if _, err := template.New(rule).Option("missingkey=error").Parse(text); err != nil {
				return nil, fmt.Errorf("template %s: %w", rule, err)
			}
		}
	}
	return &TemplateSet{templates: file.Templates}, nil
}

func (rt ruleTemplate) texts() []string {
	var out []string
	for _, s := range rt.Steps {
		out = append(out, s.Description, s.Command, s.AutomationScript)
	}
	out = append(out, rt.Validation...)
	return append(out, rt.Rollback)
}

// Render produces steps for a finding. Automated steps are only emitted for
// auto-remediable findings; other findings get the manual descriptions.
func (ts *TemplateSet) Render(f normalizer.Finding) (Rendered, error) {
	rt, ok := ts.templates[f.RuleID]
	if !ok {
		return fallback(f), nil
	}

	var out Rendered
	for i, st := range rt.Steps {
		desc, err := render(st.Description, f)
		if err != nil {
			return Rendered{}, err
		}
		step := Step{Order: i + 1, Description: desc}
		if f.IsAutoRemediable {
			if step.Command, err = render(st.Command, f); err != nil {
				return Rendered{}, err
			}
			if step.AutomationScript, err = render(st.AutomationScript, f); err != nil {
				return Rendered{}, err
			}
			step.Patch = st.Patch
			step.APIVersion = st.APIVersion
		}
		out.Steps = append(out.Steps, step)
	}
	for _, v := range rt.Validation {
		text, err := render(v, f)
		if err != nil {
			return Rendered{}, err
		}
		out.Validation = append(out.Validation, text)
	}
	rollback, err := render(rt.Rollback, f)
	if err != nil {
		return Rendered{}, err
	}
	out.Rollback = rollback
	if len(out.Steps) == 0 {
		return fallback(f), nil
	}
	return out, nil
}

func fallback(f normalizer.Finding) Rendered {
	var steps []Step
	if f.Recommendation != "" {
		steps = append(steps, Step{Order: 1, Description: f.Recommendation})
	}
	if f.RemediationGuidance != "" {
		steps = append(steps, Step{Order: len(steps) + 1, Description: f.RemediationGuidance})
	}
	if len(steps) == 0 {
		steps = append(steps, Step{Order: 1, Description: fmt.Sprintf("Review and remediate %q on %s", f.Title, f.ResourceID)})
	}
	return Rendered{
		Steps:      steps,
		Validation: []string{fmt.Sprintf("Re-run the assessment and confirm finding %s is no longer reported", f.ID)},
	}
}

func render(text string, f normalizer.Finding) (string, error) {
	if text == "" {
		return "", nil
	}
	tmpl, err := template.New(f.RuleID).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("template %s: %w", f.RuleID, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, f); err != nil {
		return "", fmt.Errorf("render %s for %s: %w", f.RuleID, f.ID, err)
	}
	return buf.String(), nil
}
