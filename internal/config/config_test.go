package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("vendas")
	require.NoError(t, cfg.Validate())

	flow := cfg.FlowModel()
	require.Len(t, flow.Stages, 4)
	assert.Equal(t, "vendas", flow.ID)
	for i, s := range flow.Stages {
		assert.Equal(t, i, s.Ordinal)
		assert.Equal(t, "vendas", s.FlowID)
	}
	assert.True(t, flow.Stages[3].IsCompletion)
	require.NotNil(t, flow.Stages[1].DefaultTeamID)
	assert.Equal(t, "comercial", *flow.Stages[1].DefaultTeamID)
	require.NotNil(t, flow.Stages[2].DefaultUserID)
	assert.Equal(t, "ana", *flow.Stages[2].DefaultUserID)
	assert.Equal(t, 500*time.Millisecond, cfg.Board.SearchDebounce)
	assert.Len(t, cfg.Users(), 2)
	assert.Len(t, cfg.Teams(), 1)
}

func TestFlowModelDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
flow:
  id: suporte
  stages:
    - id: aberto
      fields:
        - id: assunto
          required: true
`))
	require.NoError(t, err)
	flow := cfg.FlowModel()
	assert.Equal(t, "suporte", flow.Title)
	assert.Equal(t, "aberto", flow.Stages[0].Title)
	f := flow.Stages[0].Fields[0]
	assert.Equal(t, "assunto", f.Label)
	assert.Equal(t, "text", f.Type)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing flow id": `
flow:
  stages: [{id: a}]`,
		"no stages": `
flow:
  id: x`,
		"duplicate stage": `
flow:
  id: x
  stages: [{id: a}, {id: a}]`,
		"unknown field type": `
flow:
  id: x
  stages:
    - id: a
      fields: [{id: f, type: blob}]`,
		"empty checklist": `
flow:
  id: x
  stages:
    - id: a
      fields: [{id: f, type: checklist}]`,
		"unknown default user": `
flow:
  id: x
  stages: [{id: a, default_user: bob}]
directory:
  users: [{id: ana, full_name: Ana}]`,
		"negative board value": `
flow:
  id: x
  stages: [{id: a}]
board:
  page_size: -1`,
		"webhook without url": `
flow:
  id: x
  stages: [{id: a}]
webhooks:
  - events: [card.moved]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cardflow.yml"), []byte(GenerateDefault("vendas")), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "vendas", cfg.Flow.ID)
}
