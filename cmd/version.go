package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/avrecord/config"
	"github.com/babelcloud/gbox/packages/avrecord/internal/version"
)

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := version.ClientInfo()
			fmt.Printf("avrecord %s\n", color.CyanString(info["Version"]))
			faint := color.New(color.Faint)
			faint.Printf("  Go version: %s\n", info["GoVersion"])
			faint.Printf("  Git commit: %s\n", info["GitCommit"])
			faint.Printf("  Built:      %s\n", info["FormattedTime"])
			faint.Printf("  OS/Arch:    %s/%s\n", info["OS"], info["Arch"])
			if f := config.ConfigFileUsed(); f != "" {
				faint.Printf("  Config:     %s\n", f)
			}
		},
	}
}
