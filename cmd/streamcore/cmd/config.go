package cmd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/canalplus/rx-player-sub017/internal/config"
	"github.com/canalplus/rx-player-sub017/pkg/format"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing streamcore configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format: defaults, overridden by
the config file and STREAMCORE_ environment variables.

Redirect the output to a file to create a configuration template:

  streamcore config dump > streamcore.yaml

Environment variables use the STREAMCORE_ prefix and underscores for nesting.
Example: request.max_retry -> STREAMCORE_REQUEST_MAX_RETRY`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map keyed by its mapstructure tags. Durations
// are rendered in Go duration syntax, which the config loader parses back.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := range val.NumField() {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = strings.ToLower(fieldType.Name)
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = v
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# streamcore configuration")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 200ms, 30s, 5m")
	if cfg.HTTP.MaxResponseSize > 0 {
		fmt.Fprintf(out, "# http.max_response_size: %s\n", format.Bytes(cfg.HTTP.MaxResponseSize))
	}
	fmt.Fprintln(out, "")
	fmt.Fprint(out, string(yamlData))
	return nil
}
