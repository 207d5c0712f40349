package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"
)

// applyEnv overrides every field of the config sections that carries an
// `env` tag whose variable is set.
func applyEnv(cfg *Config) error {
	root := reflect.ValueOf(cfg).Elem()
	for i := 0; i < root.NumField(); i++ {
		section := root.Field(i)
		sectionType := root.Type().Field(i)

		for j := 0; j < section.NumField(); j++ {
			name := section.Type().Field(j).Tag.Get("env")
			if name == "" {
				continue
			}
			raw, ok := os.LookupEnv(name)
			if !ok {
				continue
			}
			if err := parseInto(section.Field(j).Addr().Interface(), raw); err != nil {
				return fmt.Errorf("%s (%s.%s): %w", name, sectionType.Name, section.Type().Field(j).Name, err)
			}
		}
	}
	return nil
}

// parseInto parses raw into the value dst points at. Only the kinds used by
// Config are handled.
func parseInto(dst any, raw string) error {
	switch v := dst.(type) {
	case *string:
		*v = raw
	case *bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		*v = b
	case *int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*v = n
	case *int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*v = n
	case *float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		*v = f
	case *time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		*v = d
	default:
		return fmt.Errorf("unsupported field type %T", dst)
	}
	return nil
}
