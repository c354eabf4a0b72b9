// Package config loads the YAML service configuration and validates each section.
package config
