// Command lessonbatch drives the batch video-to-lesson-plan engine from
// the shell: point it at a directory of videos and a prompt template, and
// it uploads each one to the configured Gemini credentials, polls until
// processing completes, and writes the generated lesson text to disk,
// retrying and rotating credentials as needed and resuming cleanly across
// restarts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lessonbatch",
	Short: "Batch-convert lecture videos into lesson plans",
	Long: `lessonbatch turns a directory of lecture videos into a directory of
generated lesson plans, one Markdown file per video, driving the Gemini
API through a pool of credential-bound workers with automatic retry,
credential rotation, and resumable progress tracking.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
