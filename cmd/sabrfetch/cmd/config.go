package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/sabrfetch/internal/config"
	"github.com/jmylchreest/sabrfetch/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing sabrfetch configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  sabrfetch config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, /etc/sabrfetch, $HOME/.sabrfetch)
  - Environment variables (SABRFETCH_CLIENT_CLIENT_NAME, SABRFETCH_FETCH_MAX_REQUESTS, etc.)
  - Command-line flags (for some options)

Environment variables use the SABRFETCH_ prefix and underscores for nesting.
Example: http.retry_attempts -> SABRFETCH_HTTP_RETRY_ATTEMPTS`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map, formatting durations for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case config.Duration:
			result[key] = duration.Format(v.Duration())
		case time.Duration:
			result[key] = duration.Format(v)
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfgMap := toMap(loaded)

	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# sabrfetch Configuration File")
	fmt.Println("# =============================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 30s, 5m, 1h, 30d")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   SABRFETCH_CLIENT_CLIENT_NAME, SABRFETCH_CLIENT_VISITOR_DATA")
	fmt.Println("#   SABRFETCH_HTTP_RETRY_ATTEMPTS, SABRFETCH_HTTP_CONNECT_TIMEOUT")
	fmt.Println("#   SABRFETCH_FETCH_MAX_REQUESTS, SABRFETCH_LOGGING_LEVEL")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
