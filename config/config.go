// Package config loads the YAML configuration shared by every binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/thiefmaster/cherum/comm"
	"github.com/thiefmaster/cherum/logging"
	"github.com/thiefmaster/cherum/store/influx"
)

type Pipes struct {
	Command      string        `yaml:"command"`
	Telemetry    string        `yaml:"telemetry"`
	WriteBackoff time.Duration `yaml:"write_backoff"`
	MaxLineBytes int           `yaml:"max_line_bytes"`
}

type Link struct {
	// Kind is either "serial" or "bridge".
	Kind          string        `yaml:"kind"`
	Device        string        `yaml:"device"`
	Baud          int           `yaml:"baud"`
	URL           string        `yaml:"url"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
}

type Controller struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Link         Link          `yaml:"link"`
}

type Coordination struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type Poller struct {
	Interval time.Duration `yaml:"interval"`
	FailSafe string        `yaml:"fail_safe"`
}

type Forwarder struct {
	Interval   time.Duration `yaml:"interval"`
	BatchLines int           `yaml:"batch_lines"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	AppName   string `yaml:"app_name"`
	SecretKey string `yaml:"secret_key"`
	Database  string `yaml:"database"`
}

type Pebble struct {
	Dir string `yaml:"dir"`
}

type Store struct {
	// Backend is one of "pebble", "influx" or "memory".
	Backend       string        `yaml:"backend"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBuffered   int           `yaml:"max_buffered"`
	Pebble        Pebble        `yaml:"pebble"`
	Influx        influx.Config `yaml:"influx"`
}

type Config struct {
	DroneID      string         `yaml:"drone_id"`
	Log          logging.Config `yaml:"log"`
	Pipes        Pipes          `yaml:"pipes"`
	Controller   Controller     `yaml:"controller"`
	Coordination Coordination   `yaml:"coordination"`
	Poller       Poller         `yaml:"poller"`
	Forwarder    Forwarder      `yaml:"forwarder"`
	Server       Server         `yaml:"server"`
	Store        Store          `yaml:"store"`
}

func Default() *Config {
	return &Config{
		DroneID: "default",
		Log:     logging.DefaultConfig(),
		Pipes: Pipes{
			Command:      "./comms.pipe",
			Telemetry:    "./tele.pipe",
			WriteBackoff: 500 * time.Millisecond,
			MaxLineBytes: 2048,
		},
		Controller: Controller{
			PollInterval: 100 * time.Millisecond,
			Link: Link{
				Kind:          "serial",
				Device:        "/dev/ttyACM0",
				Baud:          57600,
				URL:           "http://localhost:8081",
				ActionTimeout: 30 * time.Second,
			},
		},
		Coordination: Coordination{
			URL:     "http://localhost:5000",
			Timeout: 3 * time.Second,
		},
		Poller:    Poller{Interval: 200 * time.Millisecond, FailSafe: "loiter"},
		Forwarder: Forwarder{Interval: 500 * time.Millisecond, BatchLines: 100},
		Server: Server{
			Addr:      ":5000",
			AppName:   "Cherum",
			SecretKey: "dev",
			Database:  "instance/cherum.sqlite",
		},
		Store: Store{
			Backend:       "pebble",
			BufferSize:    100,
			FlushInterval: 5 * time.Second,
			MaxBuffered:   100000,
			Pebble:        Pebble{Dir: "instance/telemetry"},
			Influx: influx.Config{
				URL:    "http://localhost:8086",
				Token:  "dev",
				Org:    "covenant",
				Bucket: "telemetry",
			},
		},
	}
}

// Load layers the file at path (if any) and the environment over the
// defaults and validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookupEnv func(string) (string, bool)) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not open config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(b, c); err != nil {
			return nil, fmt.Errorf("could not parse config file: %w", err)
		}
	}
	c.applyEnv(lookupEnv)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) {
	for name, dst := range map[string]*string{
		"TOKEN":          &c.Coordination.Token,
		"SECRET_KEY":     &c.Server.SecretKey,
		"INFLUXDB_TOKEN": &c.Store.Influx.Token,
		"CHERUM_URL":     &c.Coordination.URL,
	} {
		if v, ok := lookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	positive("pipes.write_backoff", c.Pipes.WriteBackoff)
	positive("controller.poll_interval", c.Controller.PollInterval)
	positive("controller.link.action_timeout", c.Controller.Link.ActionTimeout)
	positive("coordination.timeout", c.Coordination.Timeout)
	positive("poller.interval", c.Poller.Interval)
	positive("forwarder.interval", c.Forwarder.Interval)
	positive("store.flush_interval", c.Store.FlushInterval)

	if c.DroneID == "" {
		errs = append(errs, errors.New("drone_id must not be empty"))
	}
	if c.Pipes.Command == "" || c.Pipes.Telemetry == "" {
		errs = append(errs, errors.New("pipes.command and pipes.telemetry must be set"))
	}
	if c.Pipes.MaxLineBytes <= 0 {
		errs = append(errs, fmt.Errorf("pipes.max_line_bytes must be positive, got %d", c.Pipes.MaxLineBytes))
	}
	if c.Forwarder.BatchLines <= 0 {
		errs = append(errs, fmt.Errorf("forwarder.batch_lines must be positive, got %d", c.Forwarder.BatchLines))
	}
	if c.Store.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("store.buffer_size must be positive, got %d", c.Store.BufferSize))
	}
	if c.Store.MaxBuffered < c.Store.BufferSize {
		errs = append(errs, fmt.Errorf("store.max_buffered (%d) is below store.buffer_size (%d)", c.Store.MaxBuffered, c.Store.BufferSize))
	}
	switch c.Controller.Link.Kind {
	case "serial", "bridge":
	default:
		errs = append(errs, fmt.Errorf("unknown controller.link.kind %q", c.Controller.Link.Kind))
	}
	switch c.Store.Backend {
	case "pebble", "influx", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if _, ok := comm.CodeForName(c.Poller.FailSafe); !ok {
		errs = append(errs, fmt.Errorf("unknown poller.fail_safe command %q", c.Poller.FailSafe))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
