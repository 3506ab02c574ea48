package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// BatchEntry is one line of a --urllist YAML file.
type BatchEntry struct {
	URL    string `yaml:"url"`
	Output string `yaml:"output,omitempty"`
}

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Fetch every URL listed in a YAML file, one after another",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(args[0])
		},
	}
}

func runBatch(listFile string) error {
	data, err := os.ReadFile(listFile)
	if err != nil {
		return fmt.Errorf("reading url list: %w", err)
	}
	var entries []BatchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing url list: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no entries found in %s", listFile)
	}

	var failed int
	for _, e := range entries {
		if e.URL == "" {
			fmt.Fprintln(os.Stderr, "skipping entry with no url")
			continue
		}
		if err := runGet(e.URL, e.Output); err != nil {
			fmt.Fprintf(os.Stderr, "failed: %s: %v\n", e.URL, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(entries))
	}
	return nil
}
