// Package export exposes upload results to the following steps of a workflow through envman.
package export

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/command"
)

// Exporter ...
type Exporter struct {
	cmdFactory command.Factory
}

// NewExporter ...
func NewExporter(cmdFactory command.Factory) Exporter {
	return Exporter{cmdFactory: cmdFactory}
}

// ExportOutput exposes value under key for subsequent steps. Values come from the server and are never expanded.
func (e Exporter) ExportOutput(key, value string) error {
	return e.run([]string{"add", "--key", key, "--value", value, "--no-expand"})
}

// ExportSecretOutput works like ExportOutput but marks the value as sensitive, so envman redacts it in logs.
func (e Exporter) ExportSecretOutput(key, value string) error {
	return e.run([]string{"add", "--key", key, "--value", value, "--no-expand", "--sensitive"})
}

func (e Exporter) run(args []string) error {
	cmd := e.cmdFactory.Create("envman", args, nil)
	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		return fmt.Errorf("exporting output with envman failed: %s, output: %s", err, out)
	}
	return nil
}
