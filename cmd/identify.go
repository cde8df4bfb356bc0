package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/numisworks/coinid/internal/model"
)

var identifyCmd = &cobra.Command{
	Use:   "identify <guess-file.json>",
	Short: "Run one identification synchronously",
	Long:  "Reads a vision-model feature guess from a JSON file, runs it against the source catalog, and prints the completed job.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read guess file")
		}
		var guess model.FeatureGuess
		if err := json.Unmarshal(raw, &guess); err != nil {
			return eris.Wrap(err, "parse guess file")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Engine.Submit(ctx, &guess)
		if err != nil {
			return eris.Wrap(err, "submit")
		}
		final, err := env.Engine.Run(ctx, job.ID)
		if err != nil {
			return eris.Wrap(err, "run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(final)
	},
}

func init() {
	rootCmd.AddCommand(identifyCmd)
}
