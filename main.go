package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func is_interactive(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "navassist",
		Short: "Terminal client for the indoor navigation assistant",
		Long: "Opens a chat view for one navigation session: send photos to be located, " +
			"ask where you are or how to get somewhere, and hear the answers read aloud.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !is_interactive(os.Stdout.Fd()) || !is_interactive(os.Stdin.Fd()) {
				return fmt.Errorf("the chat view needs a terminal; see 'navassist --help' for one-shot commands")
			}
			return runInteractive(cmd, args)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringP("api-base", "b", defaultAPIBase, "Backend base URL (env NAVASSIST_API_BASE)")
	pf.StringP("session", "s", "", "Session id (default: last used, or T plus a random number)")
	pf.String("site", "", "Site: SCENE_A_MS or SCENE_B_STUDIO")
	pf.StringP("provider", "P", "", "Opening provider: ft or base")
	pf.StringP("lang", "l", "", "Language: en or zh")
	pf.StringP("profile", "p", "", "Config profile to use")
	pf.Int("timeout", defaultTimeout, "Backend request timeout in seconds")
	pf.BoolP("verbose", "v", false, "Debug logging, including request and response bodies")
	pf.BoolP("no-speech", "q", false, "Do not read answers aloud")

	rootCmd.Flags().StringP("watch", "w", "", "Submit every photo that appears in this directory")
	rootCmd.Flags().Bool("start", false, "Start the session right away")

	addCommands(rootCmd)
	return rootCmd
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
