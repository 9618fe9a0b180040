package store

import (
	"fmt"
	"os"

	"qms/edge-service/internal/models"

	"gopkg.in/yaml.v3"
)

// DirectorySeed is the reference data an edge box is provisioned with.
// Rows are upserted by id, so re-applying a seed file is safe.
type DirectorySeed struct {
	Tenant    models.Tenant
	Services  []models.Service
	Counters  []models.Counter
	Operators []models.Operator
}

type seedFile struct {
	Tenant struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"tenant"`
	Services []struct {
		ID           string `yaml:"id"`
		Name         string `yaml:"name"`
		TicketPrefix string `yaml:"ticket_prefix"`
		PriorityMode string `yaml:"priority_mode"`
		Active       *bool  `yaml:"active"`
	} `yaml:"services"`
	Counters []struct {
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Active *bool  `yaml:"active"`
	} `yaml:"counters"`
	Operators []struct {
		ID       string `yaml:"id"`
		FullName string `yaml:"full_name"`
		Active   *bool  `yaml:"active"`
	} `yaml:"operators"`
}

func LoadDirectorySeed(path string) (DirectorySeed, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return DirectorySeed{}, fmt.Errorf("read seed file: %w", err)
	}
	return ParseDirectorySeed(content)
}

func ParseDirectorySeed(content []byte) (DirectorySeed, error) {
	var file seedFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return DirectorySeed{}, fmt.Errorf("parse seed file: %w", err)
	}
	if file.Tenant.ID == "" {
		return DirectorySeed{}, Validation("seed tenant id is required")
	}

	tenantID := file.Tenant.ID
	seed := DirectorySeed{Tenant: models.Tenant{TenantID: tenantID, Name: file.Tenant.Name}}
	for _, row := range file.Services {
		if row.ID == "" || row.Name == "" {
			return DirectorySeed{}, Validation("seed service requires id and name")
		}
		mode := models.PriorityNormal
		if row.PriorityMode == models.PriorityPreferential {
			mode = models.PriorityPreferential
		}
		seed.Services = append(seed.Services, models.Service{
			ServiceID:    row.ID,
			TenantID:     tenantID,
			Name:         row.Name,
			TicketPrefix: NormalizePrefix(row.TicketPrefix),
			PriorityMode: mode,
			Active:       activeOrDefault(row.Active),
		})
	}
	for _, row := range file.Counters {
		if row.ID == "" || row.Name == "" {
			return DirectorySeed{}, Validation("seed counter requires id and name")
		}
		seed.Counters = append(seed.Counters, models.Counter{
			CounterID: row.ID,
			TenantID:  tenantID,
			Name:      row.Name,
			Active:    activeOrDefault(row.Active),
		})
	}
	for _, row := range file.Operators {
		if row.ID == "" || row.FullName == "" {
			return DirectorySeed{}, Validation("seed operator requires id and full_name")
		}
		seed.Operators = append(seed.Operators, models.Operator{
			OperatorID: row.ID,
			TenantID:   tenantID,
			FullName:   row.FullName,
			Active:     activeOrDefault(row.Active),
		})
	}
	return seed, nil
}

func activeOrDefault(value *bool) bool {
	if value == nil {
		return true
	}
	return *value
}
