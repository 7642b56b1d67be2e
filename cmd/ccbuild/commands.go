package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinyrange/ccbuild/internal/dockerfile"
	"github.com/tinyrange/ccbuild/internal/oci"
)

func newParseCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "parse <Dockerfile>",
		Short: "Parse a Dockerfile and print it in canonical form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			df, err := dockerfile.Parse(data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(df)
			}
			_, err = fmt.Fprint(out, dockerfile.Format(df))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the parsed instructions as JSON")
	return cmd
}

func newInspectCommand(a *app) *cobra.Command {
	var platform string
	cmd := &cobra.Command{
		Use:   "inspect <ref>",
		Short: "Show the manifest and config of a stored image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			if platform == "" {
				platform = a.cfg.Platform
			}
			p, err := oci.ParsePlatform(platform)
			if err != nil {
				return err
			}
			img, err := store.Resolve(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"ref":      img.Ref,
				"digest":   img.Descriptor.Digest,
				"command":  img.Command(nil),
				"manifest": img.Manifest,
				"config":   img.Config,
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "platform to select from a multi-platform image")
	return cmd
}

func newImagesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List tagged images in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			tags, err := store.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REF\tDIGEST\tSIZE")
			for _, t := range tags {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", t.Ref, t.Descriptor.Digest, t.Descriptor.Size)
			}
			return tw.Flush()
		},
	}
}

func newImportCommand(a *app) *cobra.Command {
	var srcRef string
	cmd := &cobra.Command{
		Use:   "import <layout-dir> <ref>",
		Short: "Copy an image from an OCI layout directory into the store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			desc, err := store.Import(cmd.Context(), args[0], srcRef, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), desc.Digest)
			return nil
		},
	}
	cmd.Flags().StringVar(&srcRef, "src-ref", "", "image to select when the layout holds several")
	return cmd
}

func newExportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <ref> <layout-dir>",
		Short: "Copy a stored image into an OCI layout directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			dir, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			return store.Export(cmd.Context(), args[0], dir)
		},
	}
}
