package appliance

import (
	"fmt"

	"drivesync/internal/config"
	"drivesync/internal/ds"
)

// NewApplianceFromConfig creates an Appliance implementation based on the appliance config type.
func NewApplianceFromConfig(cfg config.ApplianceConfig) (ds.Appliance, error) {
	switch cfg.Type {
	case "", "truenas":
		c, err := NewTrueNASClient(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "memory":
		return NewMemoryAppliance(cfg.Name), nil
	default:
		return nil, fmt.Errorf("unknown appliance type: %s", cfg.Type)
	}
}
