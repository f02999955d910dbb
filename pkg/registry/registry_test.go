package registry

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"

	"library-workers/internal/common/logger"
	"library-workers/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSeeder struct {
	existing map[string]bool
	seeded   []*models.NotificationTemplate
	err      error
}

func (f *fakeSeeder) SeedTemplate(ctx context.Context, tpl *models.NotificationTemplate) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.existing[tpl.Name] {
		return false, nil
	}
	f.seeded = append(f.seeded, tpl)
	return true, nil
}

func repoRegistry(t *testing.T) string {
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "..", "..", "configs", "templates.json")
}

func TestLoadRegistry_ShippedTemplates(t *testing.T) {
	reg, err := LoadRegistry(repoRegistry(t))
	require.NoError(t, err)
	require.NoError(t, reg.Validate())

	for _, name := range []string{
		"loan_created", "loan_returned_ontime", "loan_returned_late",
		"loan_renewed", "loan_overdue", "user_registered",
	} {
		spec, ok := reg.Find(name)
		assert.True(t, ok, name)
		assert.True(t, spec.IsActive(), name)
	}
}

func TestValidate(t *testing.T) {
	inactive := false
	tests := []struct {
		name    string
		specs   []TemplateSpec
		wantErr string
	}{
		{"valid", []TemplateSpec{{Name: "a", Type: "EMAIL", Subject: "Hi {{ user_name }}", Message: "m", Active: &inactive}}, ""},
		{"missing name", []TemplateSpec{{Type: "EMAIL", Subject: "s", Message: "m"}}, "name is required"},
		{"duplicate", []TemplateSpec{
			{Name: "a", Type: "EMAIL", Subject: "s", Message: "m"},
			{Name: "a", Type: "SMS", Subject: "s", Message: "m"},
		}, "duplicate name"},
		{"bad type", []TemplateSpec{{Name: "a", Type: "FAX", Subject: "s", Message: "m"}}, "unknown type"},
		{"unterminated tag", []TemplateSpec{{Name: "a", Type: "EMAIL", Subject: "s", Message: "Due {{ due_date"}}, "message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&TemplateRegistry{Templates: tt.specs}).Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSeed(t *testing.T) {
	reg := &TemplateRegistry{Templates: []TemplateSpec{
		{Name: "loan_created", Type: "EMAIL", Subject: "s", Message: "m"},
		{Name: "loan_renewed", Type: "EMAIL", Subject: "s", Message: "m"},
	}}

	t.Run("existing rows are kept", func(t *testing.T) {
		store := &fakeSeeder{existing: map[string]bool{"loan_created": true}}

		n, err := Seed(context.Background(), store, reg, logger.NewTestLogger(t))

		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.Len(t, store.seeded, 1)
		assert.Equal(t, "loan_renewed", store.seeded[0].Name)
		assert.True(t, store.seeded[0].IsActive)
	})

	t.Run("store failure", func(t *testing.T) {
		store := &fakeSeeder{err: errors.New("db down")}

		_, err := Seed(context.Background(), store, reg, logger.NewTestLogger(t))

		assert.ErrorContains(t, err, "seed loan_created")
	})
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.json")
	reg := &TemplateRegistry{Version: "1", Templates: []TemplateSpec{
		{Name: "b", Type: "SMS", Subject: "s", Message: "m"},
		{Name: "a", Type: "EMAIL", Subject: "s", Message: "m"},
	}}

	require.NoError(t, Save(path, reg))
	loaded, err := LoadRegistry(path)

	require.NoError(t, err)
	require.Len(t, loaded.Templates, 2)
	assert.Equal(t, "a", loaded.Templates[0].Name)
	assert.NotEmpty(t, loaded.LastUpdated)
}
