package main

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidEnvironment = errors.New("invalid environment")

// Environment switches production-only hardening on or off.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentProduction  Environment = "production"
)

func ParseEnvironment(rawInput string) (Environment, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawInput))
	switch normalized {
	case "", "dev", string(EnvironmentDevelopment):
		return EnvironmentDevelopment, nil
	case "prod", string(EnvironmentProduction):
		return EnvironmentProduction, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEnvironment, rawInput)
	}
}

func (environment Environment) IsProduction() bool {
	return environment == EnvironmentProduction
}
