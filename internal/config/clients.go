package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
)

// ClientSpec is one OAuth2 client entry of a bootstrap file.
type ClientSpec struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Name         string `yaml:"name"`
	TenantID     string `yaml:"tenant_id"`
	BaseURL      string `yaml:"base_url"`
	CallbackURL  string `yaml:"callback_url"`
	Active       *bool  `yaml:"active"`
}

// IsActive defaults to true when the entry does not say otherwise.
func (c ClientSpec) IsActive() bool {
	return c.Active == nil || *c.Active
}

type clientsFile struct {
	Clients []ClientSpec `yaml:"clients"`
}

// LoadClientsFile reads an operator-maintained list of OAuth2 clients.
// Missing tenant or base URL fall back to the values in tapis.
func LoadClientsFile(path string, tapis Tapis) ([]ClientSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read clients file: %w", err)
	}
	return ParseClients(raw, tapis)
}

func ParseClients(raw []byte, tapis Tapis) ([]ClientSpec, error) {
	const op = "config.ParseClients"

	var f clientsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errs.E(errs.KindValidation, op, err)
	}

	seen := make(map[string]bool, len(f.Clients))
	for i := range f.Clients {
		c := &f.Clients[i]
		if c.ClientID == "" || c.ClientSecret == "" {
			return nil, errs.Validation(op, "client #%d: client_id and client_secret are required", i+1)
		}
		if seen[c.ClientID] {
			return nil, errs.Validation(op, "client %s listed twice", c.ClientID)
		}
		seen[c.ClientID] = true
		if c.TenantID == "" {
			c.TenantID = tapis.TenantID
		}
		if c.BaseURL == "" {
			c.BaseURL = tapis.BaseURL
		}
		if c.CallbackURL == "" {
			c.CallbackURL = tapis.CallbackURL
		}
		if c.TenantID == "" || c.BaseURL == "" || c.CallbackURL == "" {
			return nil, errs.Validation(op, "client %s: tenant_id, base_url and callback_url are required", c.ClientID)
		}
		if c.Name == "" {
			c.Name = c.ClientID
		}
	}
	return f.Clients, nil
}
