package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/artpar/shipper/internal/core/domain"
)

// writeOutput renders v as "json" or "yaml".
func writeOutput(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want json or yaml)", format)
	}
}

// exitCodeFor maps a terminal result to the process exit code.
func exitCodeFor(res domain.PipelineResult) int {
	switch {
	case res.Success:
		return ExitSuccess
	case res.RequiresIntervention():
		return ExitIntervention
	case res.ErrorKind == domain.KindCancelled:
		return ExitCancelled
	case res.ErrorKind == domain.KindConfiguration:
		return ExitConfigError
	default:
		return ExitRunFailed
	}
}
