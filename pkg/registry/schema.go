// pkg/registry/schema.go
package registry

// TemplateRegistry is the versioned seed file of notification templates.
type TemplateRegistry struct {
	Version     string         `json:"version"`
	LastUpdated string         `json:"lastUpdated"`
	Templates   []TemplateSpec `json:"templates"`
}

type TemplateSpec struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Subject     string   `json:"subject"`
	Message     string   `json:"message"`
	Description string   `json:"description"`
	Active      *bool    `json:"active,omitempty"` // defaults to true
	RoutingKeys []string `json:"routingKeys,omitempty"`
	Variables   []string `json:"variables,omitempty"`
}

func (s TemplateSpec) IsActive() bool {
	return s.Active == nil || *s.Active
}
