package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"snowflake/action"
	"snowflake/config"
	"snowflake/dlog"
	"snowflake/snowctx"
	"snowflake/usererror"

	"github.com/spf13/cobra"
)

// actionFile is the on-disk JSON shape of a Descriptor. Parsing build
// files and evaluating an action graph into descriptors like this one is
// left to an external evaluation phase; this command only consumes the
// descriptor, it does not produce one.
type actionFile struct {
	Program   string   `json:"program"`
	Argv      []string `json:"argv"`
	Env       []string `json:"env"`
	Outputs   []string `json:"outputs"`
	TimeoutMs int64    `json:"timeout_ms"`
}

func newRunCmd() *cobra.Command {
	var descriptorPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run a single action descriptor in a fresh sandbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun(descriptorPath)
		},
	}
	cmd.Flags().StringVar(&descriptorPath, "descriptor", "", "path to a JSON action descriptor (required)")
	cmd.MarkFlagRequired("descriptor")
	return cmd
}

func doRun(descriptorPath string) error {
	raw, err := os.ReadFile(descriptorPath)
	if err != nil {
		return fmt.Errorf("read descriptor: %w", err)
	}
	var af actionFile
	if err := json.Unmarshal(raw, &af); err != nil {
		return fmt.Errorf("parse descriptor: %w", err)
	}

	cfg, err := config.Load(resolveConfigPath(), stateDir)
	if err != nil {
		return err
	}

	ctx, err := snowctx.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	defer ctx.Close()

	if idx, err := snowctx.OpenIndex(cfg.IndexPath()); err == nil {
		ctx.Index = idx
		defer idx.Close()
	}

	orch := &action.Orchestrator{
		Ctx:           ctx,
		BashPath:      cfg.BashPath,
		CoreutilsPath: cfg.CoreutilsPath,
		Logger:        dlog.ForLevel(cfg.LogLevel),
	}

	descriptor := &action.Descriptor{
		Program: af.Program,
		Argv:    af.Argv,
		Env:     af.Env,
		Outputs: af.Outputs,
		Timeout: time.Duration(af.TimeoutMs) * time.Millisecond,
	}

	status := orch.PerformRunAction(descriptor)
	switch status.Kind {
	case action.StatusSuccess:
		fmt.Println("ok")
		return nil
	case action.StatusWarning:
		fmt.Println("ok (warnings in build.log)")
		return nil
	default:
		if ue, ok := usererror.As(status.Cause); ok {
			fmt.Fprint(os.Stderr, usererror.Format(ue))
		} else if status.Cause != nil {
			fmt.Fprintln(os.Stderr, status.Cause)
		}
		if status.Log != "" {
			fmt.Fprintln(os.Stderr, "--- build.log ---")
			fmt.Fprint(os.Stderr, status.Log)
		}
		return fmt.Errorf("action failed")
	}
}
