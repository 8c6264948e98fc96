package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Version information",
		Run:   startVersion,
	}
)

func init() {
	Root.AddCommand(versionCmd)
}

func startVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("%s %s", AppName, Version)

	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 12 {
				fmt.Printf(" (%s)", s.Value[:12])
			}
		}
	}

	fmt.Printf("\n%s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
