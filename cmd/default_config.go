package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/inference-engine/engine"
	"github.com/inference-sim/inference-engine/engine/workload"
)

var printWorkload bool

// defaultConfigCmd prints the built-in configuration as YAML, ready to be
// edited and passed back with --config or --workload.
var defaultConfigCmd = &cobra.Command{
	Use:   "default-config",
	Short: "Print the default engine (or workload) configuration as YAML",
	Run: func(cmd *cobra.Command, args []string) {
		out, err := defaultConfigYAML(printWorkload)
		if err != nil {
			logrus.Fatalf("rendering default config: %v", err)
		}
		fmt.Fprint(os.Stdout, string(out))
	},
}

func defaultConfigYAML(forWorkload bool) ([]byte, error) {
	if forWorkload {
		return yaml.Marshal(workload.DefaultWorkloadSpec())
	}
	return engine.DefaultEngineConfig().MarshalYAMLBytes()
}

func init() {
	defaultConfigCmd.Flags().BoolVar(&printWorkload, "workload", false, "Print the default workload spec instead")
}
