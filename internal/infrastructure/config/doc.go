// Package config handles loading and validating graybot configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GRAYBOT_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// The service configuration only points at the robot definition file; the
// definition itself (buses, devices, joints, sensors, syncs) is loaded by the
// robot package.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Robot.Definition)
package config
