package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/melih/lighthouse-latent/internal/core/domain"
)

type workerRow struct {
	Name                string         `yaml:"name"`
	Arch                string         `yaml:"arch"`
	Platform            string         `yaml:"platform"`
	Image               string         `yaml:"image,omitempty"`
	Tags                []string       `yaml:"tags,omitempty"`
	MaxConcurrentBuilds int            `yaml:"maxConcurrentBuilds"`
	DockerHost          string         `yaml:"dockerHost"`
	MissingTimeout      string         `yaml:"missingTimeout"`
	Properties          map[string]any `yaml:"properties,omitempty"`
}

func rowFor(spec domain.WorkerSpec) workerRow {
	image := spec.Image.String()
	if image == "" && !spec.Build.IsZero() {
		image = "(built)"
	}
	return workerRow{
		Name:                spec.Name,
		Arch:                string(spec.Architecture),
		Platform:            spec.Architecture.PlatformString(),
		Image:               image,
		Tags:                spec.Tags,
		MaxConcurrentBuilds: spec.MaxConcurrentBuilds,
		DockerHost:          spec.DockerHost,
		MissingTimeout:      spec.MissingTimeout.String(),
		Properties:          spec.Properties,
	}
}

func NewWorkersCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List the configured workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			specs, err := loadSpecs()
			if err != nil {
				return err
			}
			rows := make([]workerRow, 0, len(specs))
			for _, spec := range specs {
				if err := spec.Validate(); err != nil {
					return err
				}
				rows = append(rows, rowFor(spec))
			}

			switch output {
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(rows); err != nil {
					return err
				}
				return enc.Close()
			case "", "table":
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tPLATFORM\tIMAGE\tTAGS\tBUILDS")
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", r.Name, r.Platform, r.Image, strings.Join(r.Tags, ","), r.MaxConcurrentBuilds)
				}
				return tw.Flush()
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table, yaml)")
	return cmd
}
