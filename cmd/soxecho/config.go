package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/danielfoord/sox/internal/logging"
	"github.com/danielfoord/sox/server"
)

// config is the layout of the YAML configuration file.
type config struct {
	Server server.Config  `yaml:"server"`
	Log    logging.Config `yaml:"log"`
}

func defaultConfig() config {
	return config{Server: server.DefaultConfig()}
}

// loadConfig reads YAML file at path on top of defaults. Empty path means
// defaults only.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	if err = decodeConfig(f, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeConfig(r io.Reader, cfg *config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// override applies command line values to cfg. Empty values are ignored.
func (cfg *config) override(listen, level string) error {
	if listen != "" {
		host, port, err := net.SplitHostPort(listen)
		if err != nil {
			return fmt.Errorf("bad listen address %q: %w", listen, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("bad listen port %q: %w", port, err)
		}
		cfg.Server.Address = host
		cfg.Server.Port = p
	}
	if level != "" {
		cfg.Log.Level = level
	}
	return nil
}
