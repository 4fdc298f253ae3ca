package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/DMA-Software/dma-goamf/internal/protocol"
	"github.com/DMA-Software/dma-goamf/pkg/amf"
	"github.com/DMA-Software/dma-goamf/pkg/remoting"
)

// Environment variables read when no flag or config file sets a value.
const (
	envOutputDir  = "AMF_FIXTURES_DIR"
	envConfigPath = "AMF_FIXTURES_CONFIG"
)

// Config holds the fixture generator configuration
type Config struct {
	OutputDir      string        `yaml:"output_dir"`
	Versions       []int         `yaml:"versions"`
	RecordsetClass string        `yaml:"recordset_class"`
	Classes        []ClassConfig `yaml:"classes"`
	Verbose        bool          `yaml:"verbose"`
}

// ClassConfig describes a typed object class to register.
type ClassConfig struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
	Dynamic bool     `yaml:"dynamic"`
}

// LoadConfig reads a YAML config file. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.OutputDir == "" {
		c.OutputDir = "fixtures"
	}
	if len(c.Versions) == 0 {
		c.Versions = []int{int(remoting.Version0), int(remoting.Version3)}
	}
}

func (c *Config) validate() error {
	for _, v := range c.Versions {
		if v != int(remoting.Version0) && v != int(remoting.Version3) {
			return fmt.Errorf("unsupported version %d", v)
		}
	}
	if c.RecordsetClass == "" {
		return nil
	}
	for _, cls := range c.Classes {
		if cls.Name == c.RecordsetClass {
			return nil
		}
	}
	return fmt.Errorf("recordset class %q is not declared in classes", c.RecordsetClass)
}

// Registry returns the Flex default registry extended with the configured
// classes.
func (c *Config) Registry() (*amf.ClassRegistry, error) {
	reg := protocol.DefaultRegistry()
	for _, cls := range c.Classes {
		t := &amf.Traits{ClassName: cls.Name, Members: cls.Members, Dynamic: cls.Dynamic}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// parseFlags builds the configuration from args, an optional YAML file and
// the environment. Flags win over the file, the file over the environment.
func parseFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("amffixtures", flag.ContinueOnError)

	var configPath, outputDir string
	var verbose bool
	fs.StringVar(&configPath, "config", os.Getenv(envConfigPath), "YAML configuration file")
	fs.StringVar(&outputDir, "out", "", "Directory to write fixtures into")
	fs.BoolVar(&verbose, "v", false, "Log every encoded and decoded envelope")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	config := &Config{}
	if configPath != "" {
		loaded, err := LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	if config.OutputDir == "" {
		config.OutputDir = os.Getenv(envOutputDir)
	}
	if outputDir != "" {
		config.OutputDir = outputDir
	}
	if verbose {
		config.Verbose = true
	}

	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}
