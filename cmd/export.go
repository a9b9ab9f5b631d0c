package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nethalo/sologate/internal/export"
	"github.com/nethalo/sologate/internal/output"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Manage background export jobs",
	Long: `Export jobs materialize large result sets as compressed CSV or JSONL
files on disk, outside the interactive pagination limits. Jobs run on the
serve workers; submit returns immediately unless --wait is given.`,
}

var exportSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an export job",
	Example: `  sologate export submit --spec query.json --format csv
  sologate export submit --spec query.json --format jsonl --wait`,
	RunE: runExportSubmit,
}

var exportStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show an export job",
	Args:  cobra.ExactArgs(1),
	RunE:  runExportStatus,
}

var (
	exportSpecPath string
	exportFormat   string
	exportWait     bool
)

func init() {
	exportSubmitCmd.Flags().StringVar(&exportSpecPath, "spec", "", "Path to a JSON query spec, or - for stdin")
	exportSubmitCmd.Flags().StringVar(&exportFormat, "format", "csv", "Artifact format: csv or jsonl")
	exportSubmitCmd.Flags().BoolVar(&exportWait, "wait", false, "Process the job in this process and wait for it")
	exportSubmitCmd.MarkFlagRequired("spec")

	exportCmd.AddCommand(exportSubmitCmd)
	exportCmd.AddCommand(exportStatusCmd)
	rootCmd.AddCommand(exportCmd)
}

func runExportSubmit(cmd *cobra.Command, args []string) error {
	renderer := output.NewRenderer(viper.GetString("format"), os.Stdout)

	format, err := export.ParseFormat(exportFormat)
	if err != nil {
		return err
	}
	spec, err := loadSpec(exportSpecPath)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	job, err := a.engine.Submit(ctx, spec, format)
	if err != nil {
		renderer.RenderError(err)
		return errSilent
	}

	if exportWait {
		a.engine.Process(ctx, job.ID)
		if job, err = a.engine.Status(ctx, job.ID); err != nil {
			return err
		}
	}
	renderer.RenderJob(job, jobDownloadURL(a, job))
	return nil
}

func runExportStatus(cmd *cobra.Command, args []string) error {
	renderer := output.NewRenderer(viper.GetString("format"), os.Stdout)

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.engine.Status(cmd.Context(), args[0])
	if err != nil {
		renderer.RenderError(err)
		return errSilent
	}
	renderer.RenderJob(job, jobDownloadURL(a, job))
	return nil
}

func jobDownloadURL(a *app, job *export.Job) string {
	if job.Status != export.StatusCompleted {
		return ""
	}
	return a.engine.DownloadURL(job)
}
