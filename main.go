package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/schollz/progressbar/v3"

	"folder_to_pdf/api"
	"folder_to_pdf/internal/controller"
	"folder_to_pdf/internal/converter"
	"folder_to_pdf/ui"
)

var Version = "dev"

// errCancelled makes an interrupted convert exit non-zero without printing a failure.
var errCancelled = errors.New("conversion cancelled")

// Globals are flags shared by every command.
type Globals struct {
	LogLevel string           `help:"Log level (debug, info, warn, error)" enum:"debug,info,warn,error" default:"info" env:"FOLDER2PDF_LOG_LEVEL"`
	Config   kong.ConfigFlag  `help:"Load flag defaults from a JSON file" type:"path"`
	Version  kong.VersionFlag `help:"Print version and exit"`
}

// level returns the slog level for g.LogLevel, falling back to Info.
func (g *Globals) level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

type CLI struct {
	Globals

	Convert ConvertCmd `cmd:"" help:"Convert a folder of images into a PDF"`
	Tui     TuiCmd     `cmd:"" default:"withargs" help:"Open the interactive converter (default)"`
	Serve   ServeCmd   `cmd:"" help:"Serve the converter over HTTP"`
	Inspect InspectCmd `cmd:"" help:"Print the page sizes of an existing PDF"`
}

// ConverterFlags configure the PDF writer. They are shared by every command that converts.
type ConverterFlags struct {
	JPEGQuality int    `name:"jpeg-quality" help:"JPEG quality used when an image has to be re-encoded" default:"90" env:"FOLDER2PDF_JPEG_QUALITY"`
	Creator     string `help:"Creator written into the PDF metadata" default:"folder_to_pdf" env:"FOLDER2PDF_CREATOR"`
	AutoOrient  bool   `help:"Rotate JPEGs according to their EXIF orientation" env:"FOLDER2PDF_AUTO_ORIENT"`
	Verify      bool   `help:"Validate the written PDF and discard it if invalid" env:"FOLDER2PDF_VERIFY"`
}

func (f ConverterFlags) config() *converter.Config {
	cfg := converter.NewDefaultConfig()
	if f.JPEGQuality > 0 && f.JPEGQuality <= 100 {
		cfg.JPEGQuality = f.JPEGQuality
	}
	if f.Creator != "" {
		cfg.Creator = f.Creator
	}
	cfg.AutoOrient = f.AutoOrient
	cfg.Verify = f.Verify
	return cfg
}

type ConvertCmd struct {
	Title  string `short:"t" required:"" help:"Title of the PDF; also its file name"`
	Folder string `short:"f" required:"" type:"path" help:"Folder containing the images"`

	ConverterFlags `embed:""`
}

func (cmd *ConvertCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := controller.New(controller.NewState(cmd.Title, cmd.Folder), controller.NewConverterRunner(cmd.config()))
	defer ctrl.Close()
	return runConvert(ctx, ctrl, os.Stdout, os.Stderr)
}

// runConvert starts one run on ctrl and renders its events until the outcome arrives.
// Cancelling ctx cancels the run; the outcome is still awaited.
func runConvert(ctx context.Context, ctrl *controller.Controller, out, barOut io.Writer) error {
	req, _, err := ctrl.Start()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, ui.HeaderStyle.Render(fmt.Sprintf("Folder to PDF %s", Version)))
	fmt.Fprintln(out, ui.InfoStyle.Render("PDF to be created: "+req.OutputPath()))

	var bar *progressbar.ProgressBar
	interrupted := ctx.Done()
	for {
		select {
		case <-interrupted:
			interrupted = nil
			if ctrl.Cancel() {
				fmt.Fprintln(out, ui.WarningStyle.Render("Cancelling.."))
			}

		case ev := <-ctrl.Events():
			switch ev := ev.(type) {
			case controller.ProgressEvent:
				if ev.Stage != converter.StageRendering || ev.Total == 0 {
					slog.Debug("Progress", "stage", ev.Stage, "message", ev.Message)
					continue
				}
				if bar == nil {
					bar = progressbar.NewOptions(ev.Total,
						progressbar.OptionSetWriter(barOut),
						progressbar.OptionSetDescription("Rendering"),
						progressbar.OptionShowCount(),
						progressbar.OptionSetWidth(40),
						progressbar.OptionThrottle(65*time.Millisecond),
						progressbar.OptionOnCompletion(func() {
							fmt.Fprint(barOut, "\n")
						}),
					)
				}
				_ = bar.Set(ev.Current)

			case controller.OutcomeEvent:
				return reportOutcome(out, bar, ev.Outcome)
			}
		}
	}
}

func reportOutcome(out io.Writer, bar *progressbar.ProgressBar, outcome controller.Outcome) error {
	message := controller.Describe(outcome)
	switch outcome.Status {
	case controller.Succeeded:
		if bar != nil {
			_ = bar.Finish()
		}
		fmt.Fprintln(out, ui.SuccessStyle.Render("✅ "+message))
		return nil
	case controller.Cancelled:
		fmt.Fprintln(out, ui.WarningStyle.Render(message))
		return errCancelled
	}
	if errors.Is(outcome.Err, converter.ErrNoImagesFound) {
		fmt.Fprintln(out, ui.WarningStyle.Render(message))
	} else {
		fmt.Fprintln(out, ui.ErrorStyle.Render("❌ "+message))
	}
	return outcome.Err
}

type TuiCmd struct {
	Title   string `help:"Prefill the PDF title"`
	Folder  string `type:"path" help:"Prefill the image folder"`
	LogFile string `type:"path" help:"Append logs to this file; logs are discarded otherwise" env:"FOLDER2PDF_LOG_FILE"`

	ConverterFlags `embed:""`
}

func (cmd *TuiCmd) Run(g *Globals) error {
	// Log lines on stderr would tear the alternate screen.
	var logOut io.Writer = io.Discard
	if cmd.LogFile != "" {
		f, err := os.OpenFile(cmd.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("could not open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: g.level()})))

	ctrl := controller.New(controller.NewState(cmd.Title, cmd.Folder), controller.NewConverterRunner(cmd.config()))
	defer ctrl.Close()

	p := tea.NewProgram(ui.NewModel(ctrl, Version), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("terminal UI failed: %w", err)
	}
	return nil
}

type ServeCmd struct {
	Addr string `default:":8080" env:"FOLDER2PDF_ADDR" help:"Address to listen on"`

	ConverterFlags `embed:""`
}

func (cmd *ServeCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := controller.New(controller.NewState("", ""), controller.NewConverterRunner(cmd.config()))
	defer ctrl.Close()

	srv := api.NewServer(ctrl)
	go srv.Run(ctx)

	httpServer := &http.Server{
		Addr:              cmd.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cmd.Addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down HTTP server")
	ctrl.Cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	return nil
}

type InspectCmd struct {
	Path     string `arg:"" name:"pdf" type:"existingfile" help:"PDF file to inspect"`
	Validate bool   `help:"Validate the file structure before reading it"`
}

func (cmd *InspectCmd) Run() error {
	return runInspect(os.Stdout, cmd.Path, cmd.Validate)
}

func runInspect(out io.Writer, path string, validate bool) error {
	if validate {
		if err := converter.Validate(path); err != nil {
			fmt.Fprintln(out, ui.ErrorStyle.Render("❌ "+err.Error()))
			return err
		}
		fmt.Fprintln(out, ui.SuccessStyle.Render("✅ Valid PDF"))
	}

	report, err := converter.Inspect(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, ui.InfoStyle.Render(fmt.Sprintf("%s: %d pages", report.Path, report.PageCount())))
	if report.Title != "" {
		fmt.Fprintf(out, "  Title: %s\n", report.Title)
	}
	for i, page := range report.Pages {
		fmt.Fprintf(out, "  %3d  %.0f x %.0f pt\n", i+1, page.Width, page.Height)
	}
	return nil
}

func newParser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	options = append([]kong.Option{
		kong.Name("folder_to_pdf"),
		kong.Description("Turn a folder of images into a PDF, one page per image."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
		kong.Configuration(kong.JSON, "~/.config/folder_to_pdf/config.json"),
	}, options...)
	return kong.New(cli, options...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		panic(err)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cli.level()})))

	err = ctx.Run(&cli.Globals)
	if errors.Is(err, errCancelled) {
		os.Exit(130)
	}
	ctx.FatalIfErrorf(err)
}
