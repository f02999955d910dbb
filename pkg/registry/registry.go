// pkg/registry/registry.go
package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"library-workers/internal/common/logger"
	"library-workers/internal/models"
	"library-workers/internal/workers/notifications/render"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func LoadRegistry(path string) (*TemplateRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg TemplateRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &reg, nil
}

// Save writes reg to path, sorted by template name.
func Save(path string, reg *TemplateRegistry) error {
	sort.Slice(reg.Templates, func(i, j int) bool {
		return reg.Templates[i].Name < reg.Templates[j].Name
	})
	reg.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func (r *TemplateRegistry) Find(name string) (TemplateSpec, bool) {
	for _, t := range r.Templates {
		if t.Name == name {
			return t, true
		}
	}
	return TemplateSpec{}, false
}

// Validate checks names are unique, types are known and both templates parse.
func (r *TemplateRegistry) Validate() error {
	seen := make(map[string]bool, len(r.Templates))
	for i, t := range r.Templates {
		if t.Name == "" {
			return fmt.Errorf("templates[%d]: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("template %s: duplicate name", t.Name)
		}
		seen[t.Name] = true

		if !models.NotificationType(t.Type).Valid() {
			return fmt.Errorf("template %s: unknown type %q", t.Name, t.Type)
		}
		if t.Subject == "" || t.Message == "" {
			return fmt.Errorf("template %s: subject and message are required", t.Name)
		}
		if err := render.Validate(t.Subject); err != nil {
			return fmt.Errorf("template %s: subject: %w", t.Name, err)
		}
		if err := render.Validate(t.Message); err != nil {
			return fmt.Errorf("template %s: message: %w", t.Name, err)
		}
	}
	return nil
}

func (s TemplateSpec) Template() *models.NotificationTemplate {
	return &models.NotificationTemplate{
		Name:            s.Name,
		Type:            models.NotificationType(s.Type),
		SubjectTemplate: s.Subject,
		MessageTemplate: s.Message,
		Description:     s.Description,
		IsActive:        s.IsActive(),
	}
}

// Seeder is satisfied by the notification store.
type Seeder interface {
	SeedTemplate(ctx context.Context, tpl *models.NotificationTemplate) (bool, error)
}

// Seed inserts every template of reg that does not exist yet. Existing rows
// are left alone so operator edits survive restarts.
func Seed(ctx context.Context, store Seeder, reg *TemplateRegistry, log logger.Logger) (int, error) {
	if err := reg.Validate(); err != nil {
		return 0, err
	}

	created := 0
	for _, spec := range reg.Templates {
		ok, err := store.SeedTemplate(ctx, spec.Template())
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", spec.Name, err)
		}
		if ok {
			created++
			log.Info("notification template created", map[string]interface{}{"template": spec.Name})
		}
	}
	return created, nil
}
