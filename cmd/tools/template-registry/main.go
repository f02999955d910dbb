// cmd/tools/template-registry/main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"library-workers/internal/workers/notifications/dispatcher"
	"library-workers/internal/workers/notifications/render"
	"library-workers/pkg/registry"

	jsoniter "github.com/json-iterator/go"
)

var registryPath string

func main() {
	addCmd := flag.NewFlagSet("add", flag.ExitOnError)
	updateCmd := flag.NewFlagSet("update", flag.ExitOnError)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	previewCmd := flag.NewFlagSet("preview", flag.ExitOnError)

	for _, fs := range []*flag.FlagSet{addCmd, updateCmd, validateCmd, previewCmd} {
		fs.StringVar(&registryPath, "path", "configs/templates.json", "Path to registry file")
	}

	// Add command flags
	nameAdd := addCmd.String("name", "", "Template name (e.g., loan_overdue)")
	typeAdd := addCmd.String("type", "EMAIL", "Channel (EMAIL or SMS)")
	subject := addCmd.String("subject", "", "Subject template")
	message := addCmd.String("message", "", "Message template")
	description := addCmd.String("description", "", "Description")

	// Update command flags
	nameUpdate := updateCmd.String("name", "", "Template name to update")
	field := updateCmd.String("field", "", "Field to update (subject, message, description, type, active)")
	value := updateCmd.String("value", "", "New value for the field")

	// Preview command flags
	namePreview := previewCmd.String("name", "", "Template name to render")
	data := previewCmd.String("data", "{}", "JSON context to render with")
	dateFormat := previewCmd.String("date-format", "02/01/2006", "Display layout for date fields")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "add":
		addCmd.Parse(os.Args[2:])
		if *nameAdd == "" || *subject == "" || *message == "" {
			fmt.Println("Error: name, subject, and message are required for add.")
			addCmd.Usage()
			os.Exit(1)
		}
		spec := registry.TemplateSpec{
			Name:        *nameAdd,
			Type:        strings.ToUpper(*typeAdd),
			Subject:     *subject,
			Message:     *message,
			Description: *description,
			RoutingKeys: []string{dispatcher.EmailPrefix + *nameAdd},
		}
		if err := addTemplate(spec); err != nil {
			fmt.Printf("Error adding template: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Added template: %s\n", *nameAdd)

	case "update":
		updateCmd.Parse(os.Args[2:])
		if *nameUpdate == "" || *field == "" {
			fmt.Println("Error: name and field are required for update.")
			updateCmd.Usage()
			os.Exit(1)
		}
		if err := updateTemplate(*nameUpdate, *field, *value); err != nil {
			fmt.Printf("Error updating template: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated template %s, field %s\n", *nameUpdate, *field)

	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := validateRegistry(); err != nil {
			fmt.Printf("Registry validation failed: %v\n", err)
			os.Exit(1)
		}

	case "preview":
		previewCmd.Parse(os.Args[2:])
		if err := preview(*namePreview, *data, *dateFormat); err != nil {
			fmt.Printf("Preview failed: %v\n", err)
			os.Exit(1)
		}

	case "help":
		fallthrough
	default:
		help()
	}
}

func addTemplate(spec registry.TemplateSpec) error {
	reg, err := registry.LoadRegistry(registryPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to load registry: %w", err)
		}
		reg = &registry.TemplateRegistry{Version: "1.0.0"}
	}

	if _, exists := reg.Find(spec.Name); exists {
		return fmt.Errorf("template %s already exists", spec.Name)
	}

	reg.Templates = append(reg.Templates, spec)
	if err := reg.Validate(); err != nil {
		return err
	}
	return registry.Save(registryPath, reg)
}

func updateTemplate(name, field, value string) error {
	reg, err := registry.LoadRegistry(registryPath)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	found := false
	for i := range reg.Templates {
		if reg.Templates[i].Name != name {
			continue
		}
		found = true
		switch field {
		case "subject":
			reg.Templates[i].Subject = value
		case "message":
			reg.Templates[i].Message = value
		case "description":
			reg.Templates[i].Description = value
		case "type":
			reg.Templates[i].Type = strings.ToUpper(value)
		case "active":
			active, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid active value: %w", err)
			}
			reg.Templates[i].Active = &active
		default:
			return fmt.Errorf("unknown field: %s", field)
		}
		break
	}

	if !found {
		return fmt.Errorf("template %s not found", name)
	}
	if err := reg.Validate(); err != nil {
		return err
	}
	return registry.Save(registryPath, reg)
}

func validateRegistry() error {
	reg, err := registry.LoadRegistry(registryPath)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	if len(reg.Templates) == 0 {
		return fmt.Errorf("registry contains no templates")
	}
	if err := reg.Validate(); err != nil {
		return err
	}

	for _, t := range reg.Templates {
		for _, key := range t.RoutingKeys {
			if dispatcher.TemplateName(key) != t.Name {
				return fmt.Errorf("template %s: routing key %s maps to %q", t.Name, key, dispatcher.TemplateName(key))
			}
		}
	}

	fmt.Printf("Registry validation passed. Found %d templates.\n", len(reg.Templates))
	return nil
}

func preview(name, raw, dateFormat string) error {
	reg, err := registry.LoadRegistry(registryPath)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	spec, ok := reg.Find(name)
	if !ok {
		return fmt.Errorf("template %s not found", name)
	}

	var ctx map[string]interface{}
	if err := jsoniter.Unmarshal([]byte(raw), &ctx); err != nil {
		return fmt.Errorf("invalid -data: %w", err)
	}
	ctx = dispatcher.NormalizeDates(ctx, dateFormat)

	subject, err := render.Render(spec.Subject, ctx)
	if err != nil {
		return err
	}
	message, err := render.Render(spec.Message, ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Subject: %s\n\n%s\n", subject, message)
	return nil
}

func help() {
	fmt.Println(`
Usage: template-registry <command> [flags]

Commands:
  add      Add a new notification template to the registry
  update   Update an existing template's field
  validate Validate the registry file
  preview  Render a template with sample data
  help     Show this help message

Examples:
  template-registry add -name loan_reminder -subject "Reminder: {{ book_title }}" -message "Due on {{ due_date }}"
  template-registry update -name loan_reminder -field active -value false
  template-registry preview -name loan_created -data '{"book_title":"Dune","due_date":"2026-03-31"}'`)
}
