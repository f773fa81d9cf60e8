package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/stageflow/internal/httpapi"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

// PipelineFile is the YAML accepted by `stageflow submit`:
//
//	labels:
//	  team: security
//	  transport.image: v1.4.2
//	stages:
//	  - type: scan
//	    timeout: 10m
//	    config: {target: "git@example.com:repo.git"}
//	  - type: analyze
//	    retry_limit: 5
//	  - type: report
type PipelineFile struct {
	Labels map[string]string `yaml:"labels"`
	Stages []PipelineStage   `yaml:"stages"`
}

// PipelineStage is one stage entry; Config is passed to the worker as JSON.
type PipelineStage struct {
	Type       types.StageType `yaml:"type"`
	RetryLimit int             `yaml:"retry_limit"`
	Timeout    time.Duration   `yaml:"timeout"`
	Config     map[string]any  `yaml:"config"`
}

// ParsePipeline decodes and validates a pipeline definition.
func ParsePipeline(r io.Reader) (*httpapi.SubmitRunRequest, error) {
	var pf PipelineFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("pipeline file is empty")
		}
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	if len(pf.Stages) == 0 {
		return nil, errors.New("pipeline has no stages")
	}

	req := &httpapi.SubmitRunRequest{Labels: pf.Labels}
	for i, st := range pf.Stages {
		if err := st.Type.Validate(); err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		if st.RetryLimit < 0 || st.Timeout < 0 {
			return nil, fmt.Errorf("stage %d: retry_limit and timeout must not be negative", i)
		}
		sc := types.StageConfig{Type: st.Type, RetryLimit: st.RetryLimit, Timeout: st.Timeout}
		if st.Config != nil {
			raw, err := json.Marshal(st.Config)
			if err != nil {
				return nil, fmt.Errorf("stage %d config: %w", i, err)
			}
			sc.Config = raw
		}
		req.Stages = append(req.Stages, sc)
	}
	return req, nil
}

func (a *app) client() *httpapi.Client {
	return httpapi.NewClient(a.cfg.Observability.APIURL)
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a pipeline run",
		Long: `Read a pipeline definition (YAML) and create a run through the orchestrator API.

Example:
  stageflow submit -f pipeline.yaml
  cat pipeline.yaml | stageflow submit -f -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("failed to read pipeline file: %w", err)
				}
				defer f.Close()
				r = f
			}
			req, err := ParsePipeline(r)
			if err != nil {
				return err
			}
			run, err := a.client().SubmitRun(cmd.Context(), *req)
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			cmd.Printf("Run submitted\nRun ID: %s\nStages: %d\n", run.ID, len(run.Stages))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "pipeline YAML file ('-' for stdin)")
	cmd.MarkFlagRequired("file")
	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.client().GetRun(cmd.Context(), types.RunID(args[0]))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			printRun(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw API response")
	return cmd
}

func printRun(w io.Writer, resp *httpapi.RunResponse) {
	run := resp.Run
	fmt.Fprintf(w, "Run:     %s\n", run.ID)
	fmt.Fprintf(w, "Status:  %s\n", run.Status)
	if run.FailureReason != "" {
		fmt.Fprintf(w, "Reason:  %s\n", run.FailureReason)
	}
	fmt.Fprintf(w, "Stages:  %d/%d started\n", len(resp.Jobs), len(run.Stages))
	fmt.Fprintf(w, "Created: %s\n\n", run.CreatedAt.Format(time.RFC3339))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tSTAGE\tSTATUS\tATTEMPT\tREASON")
	for _, j := range resp.Jobs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", j.StageIndex, j.Stage, j.Status, j.Attempt, j.FailureReason)
	}
	tw.Flush()
}

// ============================================================================
// cancel
// ============================================================================

func buildCancelCommand(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client().CancelRun(cmd.Context(), types.RunID(args[0]), reason); err != nil {
				return fmt.Errorf("cancel failed: %w", err)
			}
			cmd.Printf("Run %s cancelled\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the logs")
	return cmd
}
