package batch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBatch = `
name: spring budgets
resource_key: acct-1
defaults:
  kind: update_budget
  priority: 1
  params:
    currency: USD
items:
  - id: first
    subject_id: "1001"
    subject_name: Spring Sale
    priority: 5
    params:
      amount: "250"
  - subject_id: "1002"
    kind: pause_campaign
  - subject_id: "1003"
    priority: 0
    params:
      currency: EUR
`

func TestParse_AppliesDefaults(t *testing.T) {
	// Given a batch with defaults
	b, err := Parse([]byte(sampleBatch))
	require.NoError(t, err)

	// When converting to work items
	items := b.WorkItems()

	// Then per-item values override defaults
	assert.Equal(t, "spring budgets", b.Name)
	assert.Equal(t, "acct-1", b.ResourceKey)
	require.Len(t, items, 3)

	assert.Equal(t, "first", items[0].ID)
	assert.Equal(t, 5, items[0].Priority)
	assert.Equal(t, "update_budget", items[0].Kind)
	assert.Equal(t, map[string]string{"currency": "USD", "amount": "250"}, items[0].Params)

	assert.Empty(t, items[1].ID)
	assert.Equal(t, 1, items[1].Priority)
	assert.Equal(t, "pause_campaign", items[1].Kind)

	assert.Equal(t, 0, items[2].Priority, "explicit zero priority is kept")
	assert.Equal(t, "EUR", items[2].Params["currency"])
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		message string
	}{
		{"no items", "name: empty\nitems: []\n", "no items"},
		{"missing subject", "items:\n  - subject_name: nameless\n", "item 1: subject_id is required"},
		{"duplicate id", "items:\n  - {id: a, subject_id: '1'}\n  - {id: a, subject_id: '2'}\n", `id "a" already used by item 1`},
		{"bad yaml", "items: [", "failed to parse YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleBatch), 0644))

	b, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, b.Items, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read batch file")
}
