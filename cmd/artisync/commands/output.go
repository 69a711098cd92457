package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/engine"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReports(w io.Writer, reports []*engine.Report) error {
	if jsonOutput {
		return printJSON(w, reports)
	}
	for _, r := range reports {
		printReport(w, r)
	}
	return nil
}

func printReport(w io.Writer, r *engine.Report) {
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "%s%s in %s\n", r.Summary(), mode, r.Duration().Round(time.Millisecond))

	if len(r.Order) > 0 {
		fmt.Fprintf(w, "  order: %v\n", r.Order)
	}
	if r.Degraded {
		fmt.Fprintf(w, "  dependency cycle %v, best-effort order used\n", r.Cycle)
	}
	if len(r.External) > 0 {
		fmt.Fprintf(w, "  external: %v\n", r.External)
	}
	for _, a := range r.Artifacts {
		if a.Classification == artifact.ClassUnchanged && !a.Refreshed {
			continue
		}
		note := ""
		if a.Refreshed {
			note = " refreshed"
		}
		fmt.Fprintf(w, "  %-9s %-14s %s -> %s%s\n", a.Classification, a.Kind, a.Location, a.Status, note)
	}
	for _, loc := range r.Removed {
		fmt.Fprintf(w, "  REMOVED   %s\n", loc)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  error: %v\n", e)
	}
}
