package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/soyeahso/agentcron/internal/domain"
	"gopkg.in/yaml.v3"
)

// Document names used in validation errors.
const (
	DocAgents = "agents"
	DocTools  = "tools"
	DocModels = "models"
)

// Fallback prices in USD per million tokens for models missing from the
// price table. Deliberately high so unknown models are never under-counted.
const (
	FallbackInputPrice  = 15.0
	FallbackOutputPrice = 75.0
)

// AgentsDocument is the agents.yaml schema.
type AgentsDocument struct {
	Agents []AgentSpec `yaml:"agents" validate:"dive"`
}

// AgentSpec is one agent entry in agents.yaml.
type AgentSpec struct {
	Name        string        `yaml:"name" validate:"required,slug"`
	Enabled     *bool         `yaml:"enabled,omitempty"`
	Schedule    string        `yaml:"schedule" validate:"required,schedule"`
	Model       string        `yaml:"model,omitempty"`
	DailyTokens int           `yaml:"dailyTokens,omitempty" validate:"min=0"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Concurrency string        `yaml:"concurrency,omitempty" validate:"omitempty,oneof=skip allow"`
	Turns       []TurnSpec    `yaml:"turns" validate:"required,min=1,dive"`
}

// TurnSpec is one turn entry under an agent.
type TurnSpec struct {
	Name      string        `yaml:"name" validate:"required"`
	Model     string        `yaml:"model,omitempty"`
	MaxTokens int           `yaml:"maxTokens,omitempty" validate:"min=0"`
	Tools     []string      `yaml:"tools,omitempty" validate:"dive,required"`
	Prompt    string        `yaml:"prompt,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// ToolsDocument is the tools.yaml schema.
type ToolsDocument struct {
	Servers map[string]ToolServerSpec `yaml:"servers" validate:"dive"`
}

// ToolServerSpec holds the launch parameters of one tool server. Either a
// command (stdio subprocess) or a URL (streamable HTTP) is required.
type ToolServerSpec struct {
	Command       string            `yaml:"command,omitempty" json:"command,omitempty" validate:"required_without=URL"`
	Args          []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env           map[string]string `yaml:"env,omitempty" json:"-"`
	URL           string            `yaml:"url,omitempty" json:"url,omitempty" validate:"omitempty,url"`
	MaxConcurrent int               `yaml:"maxConcurrent,omitempty" json:"maxConcurrent,omitempty" validate:"min=0"`
	Timeout       time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Equal reports whether two specs launch the same server.
func (s ToolServerSpec) Equal(o ToolServerSpec) bool {
	return reflect.DeepEqual(s, o)
}

// ModelsDocument is the models.yaml schema.
type ModelsDocument struct {
	Default ModelPrice           `yaml:"default,omitempty"`
	Models  map[string]ModelSpec `yaml:"models" validate:"dive"`
}

// ModelPrice is a per-million-token rate pair in USD.
type ModelPrice struct {
	Input  float64 `yaml:"input" json:"input" validate:"min=0"`
	Output float64 `yaml:"output" json:"output" validate:"min=0"`
}

// ModelSpec maps a short model name to a provider id and its price.
type ModelSpec struct {
	ID     string  `yaml:"id" json:"id" validate:"required"`
	Input  float64 `yaml:"input" json:"input" validate:"min=0"`
	Output float64 `yaml:"output" json:"output" validate:"min=0"`
}

// Bundle is a fully validated set of reloadable documents.
type Bundle struct {
	Agents []domain.AgentDefinition
	Tools  map[string]ToolServerSpec
	Models ModelsDocument
}

var (
	documentValidator = newDocumentValidator()
	slugPattern       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

func newDocumentValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		switch name {
		case "-":
			return ""
		case "":
			return fld.Name
		default:
			return name
		}
	})
	_ = v.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
		return CheckSchedule(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	return v
}

// CheckSchedule reports whether expr is a valid trigger expression: the
// manual sentinel, a 5-field cron expression, or a descriptor such as
// "@hourly" or "@every 10m".
func CheckSchedule(expr string) error {
	if expr == domain.ScheduleManual {
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// decodeStrict unmarshals YAML rejecting unknown fields. Empty input decodes
// to the zero value.
func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ParseAgents decodes and validates an agents document.
func ParseAgents(data []byte) (*AgentsDocument, error) {
	var doc AgentsDocument
	if err := decodeStrict(data, &doc); err != nil {
		return nil, &ValidationError{Document: DocAgents, Issues: []ValidationIssue{{Path: "agents", Message: err.Error()}}}
	}

	issues := structIssues(documentValidator.Struct(&doc))
	seen := make(map[string]bool, len(doc.Agents))
	for i, a := range doc.Agents {
		if a.Name != "" && seen[a.Name] {
			issues = append(issues, ValidationIssue{
				Path:    fmt.Sprintf("agents[%d].name", i),
				Message: fmt.Sprintf("duplicate agent name %q", a.Name),
			})
		}
		seen[a.Name] = true
		if a.Timeout < 0 {
			issues = append(issues, ValidationIssue{
				Path:    fmt.Sprintf("agents[%d].timeout", i),
				Message: "must not be negative",
			})
		}
		for j, t := range a.Turns {
			if t.Timeout < 0 {
				issues = append(issues, ValidationIssue{
					Path:    fmt.Sprintf("agents[%d].turns[%d].timeout", i, j),
					Message: "must not be negative",
				})
			}
		}
	}

	if len(issues) > 0 {
		return nil, &ValidationError{Document: DocAgents, Issues: issues}
	}
	return &doc, nil
}

// ParseTools decodes and validates a tool-server document and applies
// AGENTCRON_TOOL_<NAME>_URL endpoint overrides.
func ParseTools(data []byte) (*ToolsDocument, error) {
	var doc ToolsDocument
	if err := decodeStrict(data, &doc); err != nil {
		return nil, &ValidationError{Document: DocTools, Issues: []ValidationIssue{{Path: "servers", Message: err.Error()}}}
	}
	if doc.Servers == nil {
		doc.Servers = map[string]ToolServerSpec{}
	}

	for name, spec := range doc.Servers {
		if v := os.Getenv(toolURLEnv(name)); v != "" {
			spec.URL = v
			spec.Command = ""
			spec.Args = nil
			doc.Servers[name] = spec
		}
	}

	issues := structIssues(documentValidator.Struct(&doc))
	for _, name := range sortedKeys(doc.Servers) {
		if !slugPattern.MatchString(name) {
			issues = append(issues, ValidationIssue{
				Path:    "servers." + name,
				Message: "name must contain only letters, digits, '-' and '_'",
			})
		}
		if doc.Servers[name].Timeout < 0 {
			issues = append(issues, ValidationIssue{
				Path:    "servers." + name + ".timeout",
				Message: "must not be negative",
			})
		}
	}

	if len(issues) > 0 {
		return nil, &ValidationError{Document: DocTools, Issues: issues}
	}
	return &doc, nil
}

// ParseModels decodes and validates a model price document.
func ParseModels(data []byte) (*ModelsDocument, error) {
	var doc ModelsDocument
	if err := decodeStrict(data, &doc); err != nil {
		return nil, &ValidationError{Document: DocModels, Issues: []ValidationIssue{{Path: "models", Message: err.Error()}}}
	}
	if doc.Models == nil {
		doc.Models = map[string]ModelSpec{}
	}

	if issues := structIssues(documentValidator.Struct(&doc)); len(issues) > 0 {
		return nil, &ValidationError{Document: DocModels, Issues: issues}
	}

	if doc.Default.Input == 0 && doc.Default.Output == 0 {
		doc.Default = ModelPrice{Input: FallbackInputPrice, Output: FallbackOutputPrice}
	}
	return &doc, nil
}

// Definitions converts the document into immutable agent definitions.
func (d *AgentsDocument) Definitions() []domain.AgentDefinition {
	defs := make([]domain.AgentDefinition, 0, len(d.Agents))
	for _, a := range d.Agents {
		enabled := a.Enabled == nil || *a.Enabled
		concurrency := a.Concurrency
		if concurrency == "" {
			concurrency = domain.ConcurrencySkip
		}
		turns := make([]domain.TurnDefinition, len(a.Turns))
		for i, t := range a.Turns {
			turns[i] = domain.TurnDefinition{
				Ordinal:   i + 1,
				Name:      t.Name,
				Model:     t.Model,
				MaxTokens: t.MaxTokens,
				Tools:     append([]string(nil), t.Tools...),
				Prompt:    t.Prompt,
				Timeout:   t.Timeout,
			}
		}
		defs = append(defs, domain.AgentDefinition{
			Name:        a.Name,
			Enabled:     enabled,
			Schedule:    a.Schedule,
			Model:       a.Model,
			DailyTokens: a.DailyTokens,
			Timeout:     a.Timeout,
			Concurrency: concurrency,
			Turns:       turns,
		})
	}
	return defs
}

// ReadDocument returns the raw bytes of a document. A missing file yields
// nil data and no error.
func ReadDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// LoadBundle reads and validates all three documents together. Any error
// leaves the caller's current bundle authoritative.
func LoadBundle(p Paths) (*Bundle, error) {
	agentsData, err := ReadDocument(p.Agents)
	if err != nil {
		return nil, fmt.Errorf("reading agents: %w", err)
	}
	toolsData, err := ReadDocument(p.Tools)
	if err != nil {
		return nil, fmt.Errorf("reading tools: %w", err)
	}
	modelsData, err := ReadDocument(p.Models)
	if err != nil {
		return nil, fmt.Errorf("reading models: %w", err)
	}
	return BuildBundle(agentsData, toolsData, modelsData)
}

// BuildBundle parses the three documents and cross-checks that every tool
// server a turn names is defined.
func BuildBundle(agentsData, toolsData, modelsData []byte) (*Bundle, error) {
	agents, err := ParseAgents(agentsData)
	if err != nil {
		return nil, err
	}
	tools, err := ParseTools(toolsData)
	if err != nil {
		return nil, err
	}
	models, err := ParseModels(modelsData)
	if err != nil {
		return nil, err
	}

	var issues []ValidationIssue
	for i, a := range agents.Agents {
		for j, t := range a.Turns {
			for k, name := range t.Tools {
				if _, ok := tools.Servers[name]; !ok {
					issues = append(issues, ValidationIssue{
						Path:    fmt.Sprintf("agents[%d].turns[%d].tools[%d]", i, j, k),
						Message: fmt.Sprintf("unknown tool server %q", name),
					})
				}
			}
		}
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Document: DocAgents, Issues: issues}
	}

	return &Bundle{
		Agents: agents.Definitions(),
		Tools:  tools.Servers,
		Models: *models,
	}, nil
}

// RequireAgents rejects a bundle that defines no agents. A deleted or
// truncated agents document looks exactly like this, and applying it would
// remove every trigger.
func RequireAgents(b *Bundle) error {
	if len(b.Agents) > 0 {
		return nil
	}
	return &ValidationError{
		Document: DocAgents,
		Issues:   []ValidationIssue{{Path: "agents", Message: "document is empty"}},
	}
}

// structIssues converts validator errors into path/message issues keyed by
// YAML field names.
func structIssues(err error) []ValidationIssue {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationIssue{{Path: "", Message: err.Error()}}
	}

	issues := make([]ValidationIssue, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		issues = append(issues, ValidationIssue{Path: path, Message: describeFieldError(fe)})
	}
	return issues
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return "command or url is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at least %s entries", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "url":
		return "must be a valid URL"
	case "schedule":
		return fmt.Sprintf("invalid schedule %q", fmt.Sprint(fe.Value()))
	case "slug":
		return "must contain only letters, digits, '-' and '_'"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
