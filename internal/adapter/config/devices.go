package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
	"gopkg.in/yaml.v3"
)

// DeviceConfig represents one device in the devices file.
type DeviceConfig struct {
	ID           string                  `yaml:"id"`
	Name         string                  `yaml:"name"`
	ProjectID    string                  `yaml:"project_id"`
	Host         string                  `yaml:"host"`
	Port         int                     `yaml:"port"`
	UnitID       int                     `yaml:"unit_id"`
	Protocol     string                  `yaml:"protocol"`
	PollInterval string                  `yaml:"poll_interval,omitempty"`
	Enabled      *bool                   `yaml:"enabled,omitempty"`
	Template     string                  `yaml:"template"`
	Targets      map[string]TargetConfig `yaml:"targets,omitempty"`
}

// TargetConfig binds a control target name to a coil address.
type TargetConfig struct {
	Address       uint16 `yaml:"address"`
	WriteInverted bool   `yaml:"write_inverted,omitempty"`
}

// DevicesFile represents the top-level devices file.
type DevicesFile struct {
	Version string         `yaml:"version"`
	Devices []DeviceConfig `yaml:"devices"`
}

// LoadDevices loads endpoints from a YAML devices file. Template paths are
// resolved relative to the devices file; each template is parsed once.
func LoadDevices(path string) ([]*domain.DeviceEndpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}

	var file DevicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}

	baseDir := filepath.Dir(path)
	templates := make(map[string][]domain.RegisterDescriptor)
	seenIDs := make(map[string]int)
	endpoints := make([]*domain.DeviceEndpoint, 0, len(file.Devices))

	for idx, dc := range file.Devices {
		if prevIdx, exists := seenIDs[dc.ID]; exists {
			return nil, fmt.Errorf("duplicate device ID '%s' at index %d (first seen at index %d)", dc.ID, idx, prevIdx)
		}
		seenIDs[dc.ID] = idx

		ep, err := convertDeviceConfig(dc)
		if err != nil {
			return nil, fmt.Errorf("error in device %s: %w", dc.ID, err)
		}

		if dc.Template != "" {
			tplPath := dc.Template
			if !filepath.IsAbs(tplPath) {
				tplPath = filepath.Join(baseDir, tplPath)
			}
			regs, ok := templates[tplPath]
			if !ok {
				regs, err = LoadTemplate(tplPath)
				if err != nil {
					return nil, fmt.Errorf("error in device %s: %w", dc.ID, err)
				}
				templates[tplPath] = regs
			}
			ep.Registers = append([]domain.RegisterDescriptor(nil), regs...)
		}

		if err := ep.Validate(); err != nil {
			return nil, fmt.Errorf("error in device %s: %w", dc.ID, err)
		}
		endpoints = append(endpoints, ep)
	}

	return endpoints, nil
}

// convertDeviceConfig converts a DeviceConfig to a domain.DeviceEndpoint.
func convertDeviceConfig(dc DeviceConfig) (*domain.DeviceEndpoint, error) {
	variant, err := domain.ParseProtocolVariant(dc.Protocol)
	if err != nil {
		return nil, err
	}
	if dc.UnitID < 0 || dc.UnitID > 247 {
		return nil, fmt.Errorf("unit_id must be between 0 and 247, got %d", dc.UnitID)
	}
	unitID := uint8(dc.UnitID)
	if unitID == 0 {
		unitID = 1
	}

	var interval time.Duration
	if dc.PollInterval != "" {
		interval, err = time.ParseDuration(dc.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid poll interval: %w", err)
		}
	}

	enabled := true
	if dc.Enabled != nil {
		enabled = *dc.Enabled
	}

	ep := &domain.DeviceEndpoint{
		ID:           dc.ID,
		Name:         dc.Name,
		ProjectID:    dc.ProjectID,
		Host:         dc.Host,
		Port:         dc.Port,
		UnitID:       unitID,
		Variant:      variant,
		PollInterval: interval,
		Enabled:      enabled,
	}
	if ep.Name == "" {
		ep.Name = ep.ID
	}
	if len(dc.Targets) > 0 {
		ep.Targets = make(map[string]domain.TargetOverride, len(dc.Targets))
		for name, t := range dc.Targets {
			ep.Targets[name] = domain.TargetOverride{Address: t.Address, WriteInverted: t.WriteInverted}
		}
	}
	return ep, nil
}

// LoadTemplate reads a JSON register template: an array of descriptors.
func LoadTemplate(path string) ([]domain.RegisterDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	return ParseTemplate(data)
}

// ParseTemplate parses and validates a JSON register template.
func ParseTemplate(data []byte) ([]domain.RegisterDescriptor, error) {
	var regs []domain.RegisterDescriptor
	if err := json.Unmarshal(data, &regs); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTemplate, err)
	}
	seen := make(map[string]struct{}, len(regs))
	for i := range regs {
		if err := regs[i].Validate(); err != nil {
			return nil, fmt.Errorf("register %d: %w", i, err)
		}
		if _, dup := seen[regs[i].Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", domain.ErrInvalidTemplate, regs[i].Key)
		}
		seen[regs[i].Key] = struct{}{}
	}
	return regs, nil
}

// SaveDevices writes endpoints back to a YAML devices file. Registers are
// not written; each device keeps the template path passed in templates.
func SaveDevices(path string, endpoints []*domain.DeviceEndpoint, templates map[string]string) error {
	configs := make([]DeviceConfig, 0, len(endpoints))
	for _, ep := range endpoints {
		configs = append(configs, convertToDeviceConfig(ep, templates[ep.ID]))
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })

	data, err := yaml.Marshal(&DevicesFile{Version: "1.0", Devices: configs})
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write devices file: %w", err)
	}
	return nil
}

func convertToDeviceConfig(ep *domain.DeviceEndpoint, template string) DeviceConfig {
	enabled := ep.Enabled
	dc := DeviceConfig{
		ID:        ep.ID,
		Name:      ep.Name,
		ProjectID: ep.ProjectID,
		Host:      ep.Host,
		Port:      ep.Port,
		UnitID:    int(ep.UnitID),
		Protocol:  ep.Variant.String(),
		Enabled:   &enabled,
		Template:  template,
	}
	if ep.PollInterval > 0 {
		dc.PollInterval = ep.PollInterval.String()
	}
	if len(ep.Targets) > 0 {
		dc.Targets = make(map[string]TargetConfig, len(ep.Targets))
		for name, t := range ep.Targets {
			dc.Targets[name] = TargetConfig{Address: t.Address, WriteInverted: t.WriteInverted}
		}
	}
	return dc
}
