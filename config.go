package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/thiefmaster/cherum/config"
)

// loadConfig reads the config file named by --config and applies the
// command line overrides on top.
func loadConfig(args []string) (*config.Config, error) {
	flags := pflag.NewFlagSet("controller", pflag.ContinueOnError)
	path := flags.StringP("config", "c", "", "path to the YAML config file")
	commands := flags.String("commands-pipe", "", "command pipe path")
	tele := flags.String("telemetry-pipe", "", "telemetry pipe path")
	droneID := flags.String("drone-id", "", "drone identifier stamped on telemetry")
	link := flags.String("link", "", "flight link kind (serial or bridge)")
	device := flags.String("device", "", "serial device of the flight link")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return nil, err
	}
	override := map[string]*string{
		"commands-pipe":  &cfg.Pipes.Command,
		"telemetry-pipe": &cfg.Pipes.Telemetry,
		"drone-id":       &cfg.DroneID,
		"link":           &cfg.Controller.Link.Kind,
		"device":         &cfg.Controller.Link.Device,
	}
	values := map[string]string{
		"commands-pipe":  *commands,
		"telemetry-pipe": *tele,
		"drone-id":       *droneID,
		"link":           *link,
		"device":         *device,
	}
	for name, dst := range override {
		if flags.Changed(name) {
			*dst = values[name]
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("after flags: %w", err)
	}
	return cfg, nil
}
