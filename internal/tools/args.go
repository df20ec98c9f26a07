package tools

import (
	"fmt"
	"math"
)

// Decoded JSON arguments carry numbers as float64; these helpers
// normalize the shapes handlers validate against. Absent keys take the
// fallback; present keys of the wrong type are errors.

func stringArg(args map[string]any, key, fallback string) (string, bool) {
	v, present := args[key]
	if !present {
		return fallback, true
	}
	s, ok := v.(string)
	return s, ok
}

func requiredString(args map[string]any, key string) (string, error) {
	s, ok := args[key].(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

func intArg(args map[string]any, key string, fallback int) (int, error) {
	v, present := args[key]
	if !present {
		return fallback, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == math.Trunc(n) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("%s must be an integer", key)
}

func numberArg(args map[string]any, key string, fallback float64) (float64, error) {
	v, present := args[key]
	if !present {
		return fallback, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, fmt.Errorf("%s must be a number", key)
}

func boolArg(args map[string]any, key string, fallback bool) (bool, bool) {
	v, present := args[key]
	if !present {
		return fallback, true
	}
	b, ok := v.(bool)
	return b, ok
}
