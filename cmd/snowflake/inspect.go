package main

import (
	"fmt"
	"os"
	"path/filepath"

	"snowflake/config"
	"snowflake/snowctx"

	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "cross-reference cached-outputs/ against the installed-output index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doInspect()
		},
	}
}

// doInspect lists every digest present under cached-outputs/, cross
// references it against the bbolt index, and flags entries present on
// one side but missing on the other. The index is best-effort bookkeeping
// (see snowctx.Index); disagreement here is informational, never a
// correctness problem for the cache itself.
func doInspect() error {
	cfg, err := config.Load(resolveConfigPath(), stateDir)
	if err != nil {
		return err
	}

	onDisk, err := listCachedOutputs(cfg.StateDir)
	if err != nil {
		return err
	}

	idx, err := snowctx.OpenIndex(cfg.IndexPath())
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()

	indexed, err := idx.List()
	if err != nil {
		return fmt.Errorf("list index: %w", err)
	}
	inIndex := make(map[string]bool, len(indexed))
	for _, rec := range indexed {
		inIndex[rec.Hash] = true
	}

	onDiskSet := make(map[string]bool, len(onDisk))
	for _, hex := range onDisk {
		onDiskSet[hex] = true
		marker := " "
		if !inIndex[hex] {
			marker = "?"
		}
		fmt.Printf("%s %s\n", marker, hex)
	}
	for hex := range inIndex {
		if !onDiskSet[hex] {
			fmt.Printf("! %s  (indexed, missing from cached-outputs/)\n", hex)
		}
	}

	fmt.Printf("\n%d on disk, %d indexed\n", len(onDisk), len(indexed))
	return nil
}

func listCachedOutputs(stateDir string) ([]string, error) {
	dir := filepath.Join(stateDir, "cached-outputs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cached-outputs: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
