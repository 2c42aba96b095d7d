package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stalexteam/mixdeck/pkg/mixdeck"
)

var (
	// set via ldflags
	gitCommit  string
	versionTag string
	buildType  string

	verbose bool
	noTray  bool

	rootCmd = &cobra.Command{
		Use:           "mixdeck",
		Short:         "Relay audio device volumes to the mixdeck UI",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show verbose logs (useful for debugging device notifications)")
	rootCmd.Flags().BoolVar(&noTray, "no-tray", false, "run without a tray icon")
	rootCmd.Flags().StringVar(&buildType, "build-type", buildType, "build type (dev or release), affects logging and diagnostics")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger, err := mixdeck.NewLogger(buildType)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	// provide a fair warning if the user's running in verbose mode
	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	relay, err := mixdeck.NewRelay(logger, mixdeck.Options{
		Verbose:   verbose,
		BuildType: buildType,
		NoTray:    noTray,
	})
	if err != nil {
		named.Fatalw("Failed to create mixdeck object", "error", err)
	}

	// if injected by build process, set version info to show up in the tray
	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		relay.SetVersion(fmt.Sprintf("Version %s-%s", buildType, identifier))
	}

	// onwards, to glory
	if err = relay.Initialize(); err != nil {
		named.Fatalw("Failed to initialize mixdeck", "error", err)
	}

	return nil
}
