package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/avrecord/internal/util"
	"github.com/babelcloud/gbox/packages/avrecord/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "avrecord",
	Short: "Realtime audio/video recorder",
	Long: `avrecord captures a video and an audio stream, encodes them and multiplexes the
encoded samples into a single MP4 or WebM file while the encoders keep running.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		util.InitLogger(verbose)
		util.SetupGlobalLogger()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			info := version.ClientInfo()
			fmt.Printf("avrecord version %s, build %s\n", info["Version"], info["GitCommit"])
			return nil
		}
		return cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.Flags().Bool("version", false, "Print version information and exit")

	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewProbeCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
