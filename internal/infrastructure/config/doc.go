// Package config loads a unit's YAML configuration, applies BIOREACTOR_*
// environment overrides and defaults, and validates the result.
//
// The jobs section lists the control loops this unit runs. Per-job
// timings left at zero inherit job_defaults; settings are passed to the
// job kind's factory, which validates names and ranges.
//
// Secrets (MQTT password, InfluxDB token, JWT secret) belong in the
// environment rather than the file.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	for _, job := range cfg.EnabledJobs() {
//	    ...
//	}
package config
