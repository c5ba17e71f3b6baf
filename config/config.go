package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configVersion = "1"

	DefaultTimeout   = 5 * time.Minute
	DefaultTransport = "exec"
)

type Config struct {
	Version       string    `yaml:"version"`
	Devices       string    `yaml:"devices"`
	Timeout       string    `yaml:"timeout"`
	Transport     Options   `yaml:"transport"`
	Storage       Options   `yaml:"storage"`
	Archive       Options   `yaml:"archive"`
	Filters       []*Filter `yaml:"filters"`
	ExportFilters []string  `yaml:"export_filters"`
	Notify        Notify    `yaml:"notify"`
}

type Filter struct {
	Filter  string  `yaml:"filter"`
	Name    string  `yaml:"name"`
	Options Options `yaml:"options"`
}

type Notify struct {
	URLs []string `yaml:"urls"`
	// "failure" (default) or "always"
	On string `yaml:"on"`
}

// Default is used when no settings file is given.
func Default() *Config {
	return &Config{
		Version:   configVersion,
		Devices:   DefaultRegistryFile,
		Transport: Options{"driver": DefaultTransport},
		Notify:    Notify{On: "failure"},
	}
}

// CommandTimeout is the per-command limit; zero means none.
func (c *Config) CommandTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return DefaultTimeout, nil
	}

	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("timeout: %v", err)
	}

	return d, nil
}

func (c *Config) TransportDriver() string {
	if d, _ := c.Transport.GetString("driver"); d != "" {
		return d
	}
	return DefaultTransport
}

func Parse(buf []byte) (*Config, error) {
	c := Default()
	c.Version = ""

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, err
	}

	if c.Version != configVersion {
		return nil, fmt.Errorf("Unknown config version: `%s'", c.Version)
	}

	if c.Devices == "" {
		c.Devices = DefaultRegistryFile
	}

	if c.Transport == nil {
		c.Transport = Options{}
	}

	switch c.Notify.On {
	case "":
		c.Notify.On = "failure"
	case "failure", "always":
	default:
		return nil, fmt.Errorf("notify: unknown mode `%s'", c.Notify.On)
	}

	return c, nil
}

func Load(name string) (*Config, error) {
	buf, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}

	return Parse(buf)
}
