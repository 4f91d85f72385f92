package templates

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// Template names
const (
	Config         = "config"
	SystemdService = "systemd-service"
)

//go:embed files/*.template
var builtin embed.FS

// ConfigData fills the starter configuration file.
type ConfigData struct {
	Repo           string
	Path           string
	Secret         string
	Branch         string
	Descriptor     string
	ComposeCommand string
	Timeout        int
}

// ServiceData fills the systemd unit.
type ServiceData struct {
	User       string
	Group      string
	WorkingDir string
	Binary     string
	ConfigPath string
	LogFile    string
	DBPath     string
}

// GetTemplatePaths returns the search paths for template overrides.
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join("/etc", "hookrelay", "templates", filename),
	}
}

// GetTemplate returns the raw template content by name.
// A file in one of the override locations wins over the built-in copy:
// 1. ./templates/<name>.template
// 2. ./config/templates/<name>.template
// 3. /etc/hookrelay/templates/<name>.template
func GetTemplate(name string) (string, error) {
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	for _, path := range GetTemplatePaths(name) {
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		}
	}

	content, err := builtin.ReadFile("files/" + name + ".template")
	if err != nil {
		return "", fmt.Errorf("template file not found: %s", name)
	}
	return string(content), nil
}

// Render executes the named template with data.
func Render(templateName string, data any) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(templateName).Option("missingkey=error").Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// RenderConfig renders the starter hookrelay.yaml.
func RenderConfig(data ConfigData) (string, error) {
	return Render(Config, data)
}

// RenderSystemdService renders the systemd service unit.
func RenderSystemdService(data ServiceData) (string, error) {
	return Render(SystemdService, data)
}

// ListTemplates returns a list of all available template names.
func ListTemplates() []string {
	return []string{Config, SystemdService}
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	switch name {
	case Config, SystemdService:
		return true
	}
	return false
}
