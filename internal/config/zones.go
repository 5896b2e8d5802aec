package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"smartpark-worker-go/internal/models"
)

// zonesFile is the layout of the zones YAML file
type zonesFile struct {
	Zones []models.ZoneConfig `yaml:"zones"`
}

// LoadZones reads the zones file and returns the enabled zones in file order
func LoadZones(path string) ([]models.Zone, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read zones file: %w", err)
	}
	return ParseZones(raw)
}

// ParseZones decodes a zones document
func ParseZones(raw []byte) ([]models.Zone, error) {
	var file zonesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse zones: %w", err)
	}

	zones, err := models.ZonesFromConfig(file.Zones)
	if err != nil {
		return nil, fmt.Errorf("build zones: %w", err)
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("no enabled zones configured")
	}
	return zones, nil
}
