// Package config provides configuration loading for Fieldgate Core.
//
// Configuration is read from a YAML file, merged over built-in defaults,
// and finally overridden by FIELDGATE_* environment variables. The loaded
// configuration is validated before use; an invalid configuration prevents
// startup rather than failing later at runtime.
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := mqtt.New(cfg.MQTT)
package config
