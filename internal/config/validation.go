package config

import (
	"fmt"
	"net/url"
	"strings"
)

func (c *Config) validate() error {
	u, err := url.Parse(c.OllamaURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidBackendURL, c.OllamaURL)
	}

	switch c.Store {
	case StoreSQLite, StoreBolt:
	default:
		return fmt.Errorf("%w: %q (sqlite|bolt)", ErrInvalidStore, c.Store)
	}

	if strings.TrimSpace(c.Model) == "" {
		return ErrInvalidModel
	}
	if c.KeepAlive < 0 {
		return ErrInvalidKeepAlive
	}
	return nil
}
