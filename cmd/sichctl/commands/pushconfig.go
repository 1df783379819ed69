package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var errMalformedSetting = errors.New("malformed --set value, expected section.key=value")

func pushConfigCmd() *cobra.Command {
	var sets []string

	cmd := &cobra.Command{
		Use:   "push-config",
		Short: "Push updated tuning settings to the peer's live config",
		Long: "push-config sends an update_config command carrying the given settings to " +
			"sichd. sichd acknowledges update_config without applying the settings to its " +
			"running configuration or writing them to disk. It does not auto-broadcast to " +
			"the remote peer.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			settings, err := parseSettings(sets)
			if err != nil {
				return fmt.Errorf("parse --set: %w", err)
			}
			if len(settings) == 0 {
				return errors.New("push-config: at least one --set section.key=value is required")
			}

			if err := client.PushConfig(context.Background(), settings); err != nil {
				return fmt.Errorf("push-config: %w", err)
			}
			fmt.Println("config pushed.")
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil,
		"setting to push, as section.key=value (repeatable)")

	return cmd
}

// parseSettings turns "section.key=value" strings into the nested
// map[string]map[string]any update_config expects, coercing each value to
// a bool, int, float, or string in that order.
func parseSettings(sets []string) (map[string]map[string]any, error) {
	settings := make(map[string]map[string]any)

	for _, s := range sets {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, fmt.Errorf("%w: %q", errMalformedSetting, s)
		}
		key, rawVal := s[:eq], s[eq+1:]

		dot := strings.IndexByte(key, '.')
		if dot < 0 {
			return nil, fmt.Errorf("%w: %q", errMalformedSetting, s)
		}
		section, field := key[:dot], key[dot+1:]

		if settings[section] == nil {
			settings[section] = make(map[string]any)
		}
		settings[section][field] = coerceValue(rawVal)
	}

	return settings, nil
}

func coerceValue(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
