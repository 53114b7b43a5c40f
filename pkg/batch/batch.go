// Package batch loads work items from a YAML batch file.
package batch

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shaneisley/quotaq/pkg/queue"
)

// Item is one entry of a batch file
type Item struct {
	ID          string            `yaml:"id,omitempty"`
	SubjectID   string            `yaml:"subject_id"`
	SubjectName string            `yaml:"subject_name,omitempty"`
	Kind        string            `yaml:"kind,omitempty"`
	Priority    *int              `yaml:"priority,omitempty"`
	Params      map[string]string `yaml:"params,omitempty"`
}

// Defaults fill fields an item leaves empty
type Defaults struct {
	Kind     string            `yaml:"kind,omitempty"`
	Priority int               `yaml:"priority,omitempty"`
	Params   map[string]string `yaml:"params,omitempty"`
}

// Batch is a named list of work items for one resource key
type Batch struct {
	Name        string   `yaml:"name"`
	ResourceKey string   `yaml:"resource_key,omitempty"`
	Defaults    Defaults `yaml:"defaults,omitempty"`
	Items       []Item   `yaml:"items"`
}

// Load reads and validates a batch file
func Load(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates batch YAML
func Parse(data []byte) (*Batch, error) {
	var b Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("batch validation failed: %w", err)
	}
	return &b, nil
}

// Validate checks that every item names a subject and IDs are unique
func (b *Batch) Validate() error {
	if len(b.Items) == 0 {
		return fmt.Errorf("batch has no items")
	}

	seen := make(map[string]int, len(b.Items))
	var problems []string
	for i, item := range b.Items {
		if strings.TrimSpace(item.SubjectID) == "" {
			problems = append(problems, fmt.Sprintf("item %d: subject_id is required", i+1))
		}
		if item.ID == "" {
			continue
		}
		if first, dup := seen[item.ID]; dup {
			problems = append(problems, fmt.Sprintf("item %d: id %q already used by item %d", i+1, item.ID, first))
			continue
		}
		seen[item.ID] = i + 1
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// WorkItems converts the batch into queue items with defaults applied
func (b *Batch) WorkItems() []queue.WorkItem {
	items := make([]queue.WorkItem, 0, len(b.Items))
	for _, item := range b.Items {
		w := queue.WorkItem{
			ID:          item.ID,
			SubjectID:   item.SubjectID,
			SubjectName: item.SubjectName,
			Kind:        item.Kind,
			Priority:    b.Defaults.Priority,
		}
		if w.Kind == "" {
			w.Kind = b.Defaults.Kind
		}
		if item.Priority != nil {
			w.Priority = *item.Priority
		}

		if len(b.Defaults.Params) > 0 || len(item.Params) > 0 {
			w.Params = make(map[string]string, len(b.Defaults.Params)+len(item.Params))
			for k, v := range b.Defaults.Params {
				w.Params[k] = v
			}
			for k, v := range item.Params {
				w.Params[k] = v
			}
		}
		items = append(items, w)
	}
	return items
}
