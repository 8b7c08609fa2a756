package main

import (
	"fmt"
	"os"

	"snowflake/config"

	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "preflight: verify implicit dependencies and namespace support before running any action",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doDoctor()
		},
	}
}

// doDoctor checks the things a run action depends on but never verifies
// itself: that the resolved BASH_PATH/COREUTILS_PATH actually contain
// bin/bash and bin/env, that /nix/store exists, and that this kernel
// exposes the user, mount and PID namespace files under /proc/self/ns.
// The other namespaces the run-action sandbox requests (cgroup, IPC,
// net, UTS) are not checked. None of this runs inside a sandbox; it is
// ordinary host-side preflight.
func doDoctor() error {
	ok := true

	cfg, err := config.Load(resolveConfigPath(), stateDir)
	if err != nil {
		fmt.Printf("FAIL config: %v\n", err)
		return fmt.Errorf("doctor: preflight failed")
	}
	fmt.Println("OK   config resolved")

	ok = checkFile(cfg.BashPath+"/bin/bash", "BASH_PATH/bin/bash") && ok
	ok = checkFile(cfg.CoreutilsPath+"/bin/env", "COREUTILS_PATH/bin/env") && ok
	ok = checkDir("/nix/store", "/nix/store") && ok
	ok = checkFile("/proc/self/ns/user", "user namespace support (/proc/self/ns/user)") && ok
	ok = checkFile("/proc/self/ns/mnt", "mount namespace support (/proc/self/ns/mnt)") && ok
	ok = checkFile("/proc/self/ns/pid", "PID namespace support (/proc/self/ns/pid)") && ok

	if !ok {
		return fmt.Errorf("doctor: preflight failed")
	}
	fmt.Println("\nall checks passed")
	return nil
}

func checkFile(path, label string) bool {
	st, err := os.Stat(path)
	if err != nil {
		fmt.Printf("FAIL %s: %v\n", label, err)
		return false
	}
	if st.IsDir() {
		fmt.Printf("FAIL %s: is a directory, expected a file\n", label)
		return false
	}
	fmt.Printf("OK   %s\n", label)
	return true
}

func checkDir(path, label string) bool {
	st, err := os.Stat(path)
	if err != nil {
		fmt.Printf("FAIL %s: %v\n", label, err)
		return false
	}
	if !st.IsDir() {
		fmt.Printf("FAIL %s: is a file, expected a directory\n", label)
		return false
	}
	fmt.Printf("OK   %s\n", label)
	return true
}
