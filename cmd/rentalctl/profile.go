package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultEndpoint = "http://127.0.0.1:8080"
	profileEnv      = "RENTALCTL_PROFILE"
)

// profile is the operator's CLI state persisted as TOML.
type profile struct {
	Endpoint     string    `toml:"Endpoint"`
	KeystorePath string    `toml:"KeystorePath"`
	Address      string    `toml:"Address"`
	Token        string    `toml:"Token"`
	TokenExpires time.Time `toml:"TokenExpires"`

	path string
}

func defaultProfilePath() string {
	if p := strings.TrimSpace(os.Getenv(profileEnv)); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "rentalctl.toml"
	}
	return filepath.Join(home, ".rentalctl", "profile.toml")
}

// loadProfile reads path, returning defaults when the file does not exist.
func loadProfile(path string) (*profile, error) {
	p := &profile{Endpoint: defaultEndpoint, path: path}
	if _, err := toml.DecodeFile(path, p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	if strings.TrimSpace(p.Endpoint) == "" {
		p.Endpoint = defaultEndpoint
	}
	return p, nil
}

func (p *profile) save() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(p)
}

// session returns the cached token if it is still valid at now.
func (p *profile) session(now time.Time) (string, bool) {
	if p.Token == "" || !now.Before(p.TokenExpires) {
		return "", false
	}
	return p.Token, true
}
