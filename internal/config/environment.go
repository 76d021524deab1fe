package config

import (
	"fmt"
	"strings"
)

// Environment is a deployment target of the backend.
type Environment string

const (
	EnvLocal      Environment = "local"
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

// AppName is shown in the welcome banner and sent as the client name.
const AppName = "SellBot AI"

// Runtime is the set of constants resolved once at start-up.
type Runtime struct {
	Environment Environment
	APIBaseURL  string
	LoginURL    string
	AppName     string
}

var defaults = map[Environment]Runtime{
	EnvLocal: {
		Environment: EnvLocal,
		APIBaseURL:  "http://localhost:8000",
		LoginURL:    "http://localhost:3000/login",
		AppName:     AppName + " (dev)",
	},
	EnvStaging: {
		Environment: EnvStaging,
		APIBaseURL:  "https://staging-api.sellbot.example.com",
		LoginURL:    "https://staging.sellbot.example.com/login",
		AppName:     AppName + " (staging)",
	},
	EnvProduction: {
		Environment: EnvProduction,
		APIBaseURL:  "https://api.sellbot.example.com",
		LoginURL:    "https://sellbot.example.com/login",
		AppName:     AppName,
	},
}

// ParseEnvironment maps a tag to an Environment. "dev" and "development"
// are aliases of local; "prod" of production.
func ParseEnvironment(tag string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "", "local", "dev", "development":
		return EnvLocal, nil
	case "staging", "stage":
		return EnvStaging, nil
	case "production", "prod":
		return EnvProduction, nil
	default:
		return "", fmt.Errorf("unknown environment %q (want local, staging or production)", tag)
	}
}

// Resolve returns the runtime constants for tag. apiURLs may override the
// base URL per environment; trailing slashes are dropped.
func Resolve(tag string, apiURLs map[string]string) (Runtime, error) {
	env, err := ParseEnvironment(tag)
	if err != nil {
		return Runtime{}, err
	}
	rt := defaults[env]
	if u := strings.TrimSpace(apiURLs[string(env)]); u != "" {
		rt.APIBaseURL = u
	}
	rt.APIBaseURL = strings.TrimRight(rt.APIBaseURL, "/")
	return rt, nil
}

// Runtime resolves the constants for the configured environment.
func (c *Config) Runtime() (Runtime, error) {
	return Resolve(c.Environment, c.APIURLs)
}
