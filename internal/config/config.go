package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cardflow/internal/domain"
)

// Config models cardflow.yml.
type Config struct {
	Flow struct {
		ID     string        `yaml:"id"`
		Title  string        `yaml:"title"`
		Stages []StageConfig `yaml:"stages"`
	} `yaml:"flow"`
	Directory struct {
		Users []UserConfig `yaml:"users"`
		Teams []TeamConfig `yaml:"teams"`
	} `yaml:"directory"`
	Board    BoardConfig     `yaml:"board"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type StageConfig struct {
	ID          string        `yaml:"id"`
	Title       string        `yaml:"title"`
	Completion  bool          `yaml:"completion"`
	DefaultUser string        `yaml:"default_user"`
	DefaultTeam string        `yaml:"default_team"`
	Fields      []FieldConfig `yaml:"fields"`
}

type FieldConfig struct {
	ID       string   `yaml:"id"`
	Label    string   `yaml:"label"`
	Type     string   `yaml:"type"`
	Required bool     `yaml:"required"`
	Items    []string `yaml:"items"`
	Options  []string `yaml:"options"`
}

type UserConfig struct {
	ID       string `yaml:"id"`
	FullName string `yaml:"full_name"`
}

type TeamConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// BoardConfig holds the client-side board tunables. Zero values fall back to
// the board package defaults.
type BoardConfig struct {
	PageSize        int           `yaml:"page_size"`
	WindowSize      int           `yaml:"window_size"`
	WindowIncrement int           `yaml:"window_increment"`
	SearchMinLength int           `yaml:"search_min_length"`
	SearchDebounce  time.Duration `yaml:"search_debounce"`
	ListPageSize    int           `yaml:"list_page_size"`
	ListMaxCards    int           `yaml:"list_max_cards"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var fieldTypes = map[string]bool{
	"text":        true,
	"textarea":    true,
	"number":      true,
	"currency":    true,
	"date":        true,
	"email":       true,
	"phone":       true,
	"select":      true,
	"multiselect": true,
	"checklist":   true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cf flow import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Flow.ID == "" {
		return fmt.Errorf("config.flow.id is required")
	}
	if len(c.Flow.Stages) == 0 {
		return fmt.Errorf("config.flow.stages must list at least one stage")
	}
	users := map[string]bool{}
	for _, u := range c.Directory.Users {
		if u.ID == "" {
			return fmt.Errorf("config.directory.users contains empty id")
		}
		users[u.ID] = true
	}
	teams := map[string]bool{}
	for _, t := range c.Directory.Teams {
		if t.ID == "" {
			return fmt.Errorf("config.directory.teams contains empty id")
		}
		teams[t.ID] = true
	}
	stages := map[string]bool{}
	for i, s := range c.Flow.Stages {
		if s.ID == "" {
			return fmt.Errorf("stage %d has empty id", i)
		}
		if stages[s.ID] {
			return fmt.Errorf("stage %s defined twice", s.ID)
		}
		stages[s.ID] = true
		if s.DefaultUser != "" && len(users) > 0 && !users[s.DefaultUser] {
			return fmt.Errorf("stage %s references unknown user %s", s.ID, s.DefaultUser)
		}
		if s.DefaultTeam != "" && len(teams) > 0 && !teams[s.DefaultTeam] {
			return fmt.Errorf("stage %s references unknown team %s", s.ID, s.DefaultTeam)
		}
		fields := map[string]bool{}
		for _, f := range s.Fields {
			if f.ID == "" {
				return fmt.Errorf("stage %s has a field with empty id", s.ID)
			}
			if fields[f.ID] {
				return fmt.Errorf("stage %s defines field %s twice", s.ID, f.ID)
			}
			fields[f.ID] = true
			if f.Type != "" && !fieldTypes[f.Type] {
				return fmt.Errorf("field %s of stage %s has unknown type %s", f.ID, s.ID, f.Type)
			}
			if f.Type == domain.FieldTypeChecklist && len(f.Items) == 0 {
				return fmt.Errorf("checklist field %s of stage %s has no items", f.ID, s.ID)
			}
		}
	}
	if c.Board.PageSize < 0 || c.Board.WindowSize < 0 || c.Board.WindowIncrement < 0 ||
		c.Board.SearchMinLength < 0 || c.Board.SearchDebounce < 0 || c.Board.ListPageSize < 0 || c.Board.ListMaxCards < 0 {
		return fmt.Errorf("config.board values must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// FlowModel converts the flow section to domain records with ordinals taken
// from the declaration order.
func (c *Config) FlowModel() domain.Flow {
	f := domain.Flow{ID: c.Flow.ID, Title: c.Flow.Title}
	if f.Title == "" {
		f.Title = c.Flow.ID
	}
	for i, s := range c.Flow.Stages {
		stage := domain.Stage{
			ID:           s.ID,
			FlowID:       c.Flow.ID,
			Title:        s.Title,
			Ordinal:      i,
			IsCompletion: s.Completion,
		}
		if stage.Title == "" {
			stage.Title = s.ID
		}
		if s.DefaultUser != "" {
			u := s.DefaultUser
			stage.DefaultUserID = &u
		}
		if s.DefaultTeam != "" {
			t := s.DefaultTeam
			stage.DefaultTeamID = &t
		}
		for _, fc := range s.Fields {
			fd := domain.FieldDefinition{
				ID:       fc.ID,
				Label:    fc.Label,
				Type:     fc.Type,
				Required: fc.Required,
				Items:    fc.Items,
				Options:  fc.Options,
			}
			if fd.Label == "" {
				fd.Label = fc.ID
			}
			if fd.Type == "" {
				fd.Type = "text"
			}
			stage.Fields = append(stage.Fields, fd)
		}
		f.Stages = append(f.Stages, stage)
	}
	return f
}

// Users returns the directory users as domain records.
func (c *Config) Users() []domain.User {
	out := make([]domain.User, 0, len(c.Directory.Users))
	for _, u := range c.Directory.Users {
		out = append(out, domain.User{ID: u.ID, FullName: u.FullName})
	}
	return out
}

func (c *Config) Teams() []domain.Team {
	out := make([]domain.Team, 0, len(c.Directory.Teams))
	for _, t := range c.Directory.Teams {
		out = append(out, domain.Team{ID: t.ID, Name: t.Name})
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cardflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(flowID string) string {
	return fmt.Sprintf(defaultTemplate, flowID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a flow.
func Default(flowID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(flowID)), &cfg)
	cfg.Flow.ID = flowID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `flow:
  id: %s
  title: Funil de vendas
  stages:
    - id: novo
      title: Novo
      fields:
        - id: telefone
          label: Telefone
          type: phone
          required: true
        - id: origem
          label: Origem
          type: select
          options: [site, indicacao, evento]
    - id: qualificado
      title: Qualificado
      default_team: comercial
      fields:
        - id: valor
          label: Valor estimado
          type: currency
          required: true
    - id: proposta
      title: Proposta
      default_user: ana
      fields:
        - id: documentos
          label: Documentos
          type: checklist
          required: true
          items: [Proposta enviada, Contrato revisado]
    - id: fechado
      title: Fechado
      completion: true

directory:
  users:
    - id: ana
      full_name: Ana Conceição
    - id: joao
      full_name: João Pereira
  teams:
    - id: comercial
      name: Comercial

board:
  page_size: 50
  window_size: 10
  window_increment: 10
  search_min_length: 3
  search_debounce: 500ms
  list_page_size: 20
  list_max_cards: 1000
`
