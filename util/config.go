package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
	"strings"
)

const Name = "quoll"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host     string
		HttpPort int      `yaml:"httpPort"`
		Domains  []string `yaml:"domains"`
	}
}

// Domain returns the node's primary domain, used when minting local IRIs.
func (c *AppConfig) Domain() string {
	if len(c.Conf.Domains) == 0 {
		return c.Conf.Host
	}
	return c.Conf.Domains[0]
}

// IsLocalDomain reports whether host belongs to this node's domain set.
func (c *AppConfig) IsLocalDomain(host string) bool {
	for _, d := range c.Conf.Domains {
		if strings.EqualFold(d, host) {
			return true
		}
	}
	return false
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("QUOLL_HOST")
	envHttpPort := os.Getenv("QUOLL_HTTPPORT")
	envDomains := os.Getenv("QUOLL_DOMAINS")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envDomains != "" {
		domains := strings.Split(envDomains, ",")
		for i := range domains {
			domains[i] = strings.TrimSpace(domains[i])
		}
		c.Conf.Domains = domains
	}

	return c, nil
}
