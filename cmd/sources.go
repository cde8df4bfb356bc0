package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/numisworks/coinid/internal/model"
	"github.com/numisworks/coinid/internal/registry"
	"github.com/numisworks/coinid/internal/store"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage the external source catalog",
	Long:  "Commands for listing, adding, updating, and removing evidence sources, and for recording reliability feedback.",
}

// -- sources list --

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		all, _ := cmd.Flags().GetBool("all")
		sources, err := st.ListSources(ctx, store.SourceFilter{ActiveOnly: !all})
		if err != nil {
			return eris.Wrap(err, "sources list")
		}

		if len(sources) == 0 {
			fmt.Fprintln(os.Stderr, "No sources found.")
			return nil
		}

		formatSourcesList(os.Stdout, sources)
		return nil
	},
}

// -- sources add --

var sourcesAddCmd = &cobra.Command{
	Use:   "add <source-file.json>",
	Short: "Add a source from a JSON definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		src, err := readSourceFile(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := registry.New(st).Create(ctx, *src); err != nil {
			return eris.Wrap(err, "sources add")
		}
		fmt.Printf("Added source %s (%s)\n", src.ID, src.Name)
		return nil
	},
}

// -- sources update --

var sourcesUpdateCmd = &cobra.Command{
	Use:   "update <source-file.json>",
	Short: "Update a source from a JSON definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		src, err := readSourceFile(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := registry.New(st).Update(ctx, *src); err != nil {
			return eris.Wrap(err, "sources update")
		}
		fmt.Printf("Updated source %s\n", src.ID)
		return nil
	},
}

// -- sources remove --

var sourcesRemoveCmd = &cobra.Command{
	Use:   "remove <source-id>",
	Short: "Remove a source from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := registry.New(st).Delete(ctx, args[0]); err != nil {
			return eris.Wrap(err, "sources remove")
		}
		fmt.Printf("Removed source %s\n", args[0])
		return nil
	},
}

// -- sources feedback --

var sourcesFeedbackCmd = &cobra.Command{
	Use:   "feedback <source-id> <success|failure>",
	Short: "Record a verified query outcome against a source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var success bool
		switch args[1] {
		case "success":
			success = true
		case "failure":
			success = false
		default:
			return eris.Errorf("outcome must be success or failure, got %q", args[1])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		reg := registry.New(st)
		if err := reg.UpdateReliability(ctx, args[0], success); err != nil {
			return eris.Wrap(err, "sources feedback")
		}
		src, err := reg.Get(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Source %s reliability is now %.3f\n", src.ID, src.ReliabilityScore)
		return nil
	},
}

func init() {
	sourcesListCmd.Flags().Bool("all", false, "include inactive sources")

	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesAddCmd)
	sourcesCmd.AddCommand(sourcesUpdateCmd)
	sourcesCmd.AddCommand(sourcesRemoveCmd)
	sourcesCmd.AddCommand(sourcesFeedbackCmd)
	rootCmd.AddCommand(sourcesCmd)
}

func readSourceFile(path string) (*model.ExternalSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read source file")
	}
	var src model.ExternalSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, eris.Wrap(err, "parse source file")
	}
	return &src, nil
}

// formatSourcesList writes a tabular source catalog to w.
func formatSourcesList(out io.Writer, sources []model.ExternalSource) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tRELIABILITY\tPRIORITY\tRATE/H\tERRORS\tACTIVE")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t-----------\t--------\t------\t------\t------")

	for _, s := range sources {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%d\t%d\t%t\t%t\n",
			s.ID,
			s.Name,
			s.SourceType,
			s.ReliabilityScore,
			s.PriorityScore,
			s.RateLimitPerHour,
			s.SpecializesInErrors,
			s.Active,
		)
	}
	_ = w.Flush()
}
