package generation

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var promptCatalog []byte

// Prompts holds the parsed prompt templates for the two generation stages.
type Prompts struct {
	clean   *template.Template
	outline *template.Template
}

type promptFile struct {
	CleanTranscript string `yaml:"clean_transcript"`
	OutlineNotes    string `yaml:"outline_notes"`
}

type promptData struct {
	Transcript string
	Notes      string
}

// LoadPrompts parses the embedded prompt catalog.
func LoadPrompts() (Prompts, error) {
	return ParsePrompts(promptCatalog)
}

// ParsePrompts parses a YAML prompt catalog.
func ParsePrompts(raw []byte) (Prompts, error) {
	var file promptFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Prompts{}, fmt.Errorf("generation: parse prompts: %w", err)
	}
	if strings.TrimSpace(file.CleanTranscript) == "" || strings.TrimSpace(file.OutlineNotes) == "" {
		return Prompts{}, fmt.Errorf("generation: prompt catalog requires clean_transcript and outline_notes")
	}
	clean, err := template.New("clean_transcript").Option("missingkey=error").Parse(file.CleanTranscript)
	if err != nil {
		return Prompts{}, fmt.Errorf("generation: clean_transcript: %w", err)
	}
	outline, err := template.New("outline_notes").Option("missingkey=error").Parse(file.OutlineNotes)
	if err != nil {
		return Prompts{}, fmt.Errorf("generation: outline_notes: %w", err)
	}
	return Prompts{clean: clean, outline: outline}, nil
}

// Clean renders the transcript clean-up prompt.
func (p Prompts) Clean(transcript string) (string, error) {
	return render(p.clean, promptData{Transcript: transcript})
}

// Outline renders the bullet outline prompt.
func (p Prompts) Outline(transcript, notes string) (string, error) {
	return render(p.outline, promptData{Transcript: transcript, Notes: notes})
}

func render(tmpl *template.Template, data promptData) (string, error) {
	if tmpl == nil {
		return "", fmt.Errorf("generation: prompts not loaded")
	}
	var builder strings.Builder
	if err := tmpl.Execute(&builder, data); err != nil {
		return "", err
	}
	return builder.String(), nil
}
