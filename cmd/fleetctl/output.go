package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshu-sajeev/fleetq/internal/dto"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func checkFormat(format string) error {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
}

// render writes v as JSON or YAML. YAML is produced from the JSON encoding
// so both formats share field names and key order.
func render(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if format != formatYAML {
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("converting to yaml: %w", err)
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle drops the flow and quoting styles JSON input leaves behind.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func renderJobs(w io.Writer, format string, jobs []dto.JobResponseDTO) error {
	if format != formatTable {
		if jobs == nil {
			jobs = []dto.JobResponseDTO{}
		}
		return render(w, format, jobs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tATTEMPT\tREQUESTER\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.Kind, j.Status, j.Attempt, j.MaxAttempts, j.Requester, j.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func renderJob(w io.Writer, format string, j *dto.JobResponseDTO) error {
	if format != formatTable {
		return render(w, format, j)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", j.ID)
	fmt.Fprintf(tw, "Kind:\t%s\n", j.Kind)
	fmt.Fprintf(tw, "Status:\t%s\n", j.Status)
	fmt.Fprintf(tw, "Attempt:\t%d/%d\n", j.Attempt, j.MaxAttempts)
	fmt.Fprintf(tw, "Requester:\t%s\n", j.Requester)
	fmt.Fprintf(tw, "Priority:\t%d\n", j.Priority)
	fmt.Fprintf(tw, "Run at:\t%s\n", j.RunAt.Format(time.RFC3339))
	if j.LeaseOwner != "" {
		fmt.Fprintf(tw, "Lease owner:\t%s\n", j.LeaseOwner)
	}
	if j.LastError != "" {
		fmt.Fprintf(tw, "Last error:\t%s\n", j.LastError)
	}
	if len(j.Result) > 0 {
		fmt.Fprintf(tw, "Result:\t%s\n", j.Result)
	}
	return tw.Flush()
}
