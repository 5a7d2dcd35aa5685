package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/disintegration/imaging"
	"github.com/google/renameio/v2"
	"github.com/jung-kurt/gofpdf"
	_ "golang.org/x/image/bmp" // register BMP decoder

	"folder_to_pdf/internal/scanner"
)

// bufferPool is used to reuse byte buffers for images that must be re-encoded before gofpdf accepts them.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// ErrNotADirectory is returned when the source folder is missing or is not a directory.
var ErrNotADirectory = scanner.ErrNotADirectory

// ErrNoImagesFound is returned when the source folder holds no supported image files.
var ErrNoImagesFound = errors.New("no supported image files found")

// ErrWrite is returned when the output PDF cannot be written.
var ErrWrite = errors.New("could not write PDF")

// ErrInvalidRequest is returned when the title or folder of a request is empty.
var ErrInvalidRequest = errors.New("invalid conversion request")

// DecodeError reports an image that could not be read or decoded. It aborts the whole run.
type DecodeError struct {
	File string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("could not decode image %s: %v", e.File, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Request is the snapshot of user input a single run works from.
type Request struct {
	Title  string // Document title; ".pdf" is appended to the file name when missing
	Folder string // Folder holding the images, also the output location
}

// Validate checks that both fields are set.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is empty", ErrInvalidRequest)
	}
	if r.Folder == "" {
		return fmt.Errorf("%w: folder is empty", ErrInvalidRequest)
	}
	return nil
}

// OutputPath is where a successful run writes its PDF.
func (r Request) OutputPath() string {
	return OutputPath(r.Folder, r.Title)
}

// Stage is the step of a run that a Progress value belongs to.
type Stage int

const (
	StageScanning Stage = iota
	StageRendering
	StageSaving
)

func (s Stage) String() string {
	switch s {
	case StageScanning:
		return "scanning"
	case StageRendering:
		return "rendering"
	case StageSaving:
		return "saving"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Progress is reported from the goroutine running the conversion.
type Progress struct {
	Stage   Stage
	Current int // Images placed so far; never decreases within a run
	Total   int // Number of images found by the scan; fixed for the run
	Message string
}

// ProgressFunc receives progress updates. It is called on the converting goroutine.
type ProgressFunc func(Progress)

// Config holds configuration for the conversion process.
type Config struct {
	JPEGQuality int    // Quality used when a JPEG has to be re-encoded
	Creator     string // Creator metadata written into the PDF
	AutoOrient  bool   // Apply EXIF orientation to JPEGs before placing them
	Verify      bool   // Validate the saved PDF with pdfcpu
}

// NewDefaultConfig creates a new Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		JPEGQuality: 90,
		Creator:     "folder_to_pdf",
	}
}

// NormalizeTitle turns a document title into the output file name. The title is used as typed;
// ".pdf" is appended unless it already ends with exactly ".pdf".
func NormalizeTitle(title string) string {
	// Sanitize filename slightly, the title must not escape the folder
	name := strings.ReplaceAll(title, "/", "_")
	name = strings.ReplaceAll(name, `\`, "_")
	if !strings.HasSuffix(name, ".pdf") {
		name += ".pdf"
	}
	return name
}

// pdfTextString encodes s as a PDF text string: a FE FF byte order mark followed by UTF-16BE.
// gofpdf's own conversion mangles characters outside the BMP and panics on invalid UTF-8.
func pdfTextString(s string) string {
	units := utf16.Encode([]rune(strings.ToValidUTF8(s, "\uFFFD")))
	buf := make([]byte, 0, 2+2*len(units))
	buf = append(buf, 0xFE, 0xFF)
	for _, u := range units {
		buf = append(buf, byte(u>>8), byte(u))
	}
	return string(buf)
}

// OutputPath returns <folder>/<title>.pdf.
func OutputPath(folder, title string) string {
	return filepath.Join(folder, NormalizeTitle(title))
}

// preparedImage holds the data for an image that is ready for PDF registration.
type preparedImage struct {
	Name      string
	Reader    io.Reader
	Width     float64 // Page width in points, equal to the pixel width
	Height    float64 // Page height in points, equal to the pixel height
	ImageType string  // Type string for gofpdf ("PNG", "JPG", "GIF")
	pooled    *bytes.Buffer
}

func (p *preparedImage) release() {
	if p.pooled != nil {
		bufferPool.Put(p.pooled)
		p.pooled = nil
	}
}

func is16Bit(m color.Model) bool {
	return m == color.Gray16Model || m == color.RGBA64Model || m == color.NRGBA64Model
}

// prepareImage reads one file and works out how to hand it to gofpdf.
// JPEG, PNG and GIF bytes go in unchanged; everything else is decoded and re-encoded.
func prepareImage(cfg *Config, file scanner.ImageFile) (*preparedImage, error) {
	data, err := os.ReadFile(file.Path)
	if err != nil {
		return nil, &DecodeError{File: file.Name, Err: err}
	}

	imgConfig, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{File: file.Name, Err: err}
	}
	if imgConfig.Width <= 0 || imgConfig.Height <= 0 {
		return nil, &DecodeError{File: file.Name, Err: fmt.Errorf("image has no pixels (%dx%d)", imgConfig.Width, imgConfig.Height)}
	}

	direct := &preparedImage{
		Name:   file.Name,
		Reader: bytes.NewReader(data),
		Width:  float64(imgConfig.Width),
		Height: float64(imgConfig.Height),
	}

	switch format {
	case "jpeg":
		if cfg.AutoOrient {
			return reencodeImage(cfg, file.Name, data, imaging.JPEG)
		}
		direct.ImageType = "JPG"
		return direct, nil
	case "png":
		if is16Bit(imgConfig.ColorModel) {
			slog.Debug("Converting 16-bit image to 8-bit", "filename", file.Name)
			return reencodeImage(cfg, file.Name, data, imaging.PNG)
		}
		direct.ImageType = "PNG"
		return direct, nil
	case "gif":
		direct.ImageType = "GIF"
		return direct, nil
	default:
		slog.Debug("Re-encoding image to PNG", "filename", file.Name, "format", format)
		return reencodeImage(cfg, file.Name, data, imaging.PNG)
	}
}

// reencodeImage decodes data and encodes it again into a pooled buffer in the target format.
func reencodeImage(cfg *Config, name string, data []byte, target imaging.Format) (*preparedImage, error) {
	var opts []imaging.DecodeOption
	if cfg.AutoOrient {
		opts = append(opts, imaging.AutoOrientation(true))
	}
	img, err := imaging.Decode(bytes.NewReader(data), opts...)
	if err != nil {
		return nil, &DecodeError{File: name, Err: err}
	}
	// imaging.Clone converts to 8-bit NRGBA, which gofpdf can embed.
	img = imaging.Clone(img)

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	imageType := "PNG"
	var encodeOptions []imaging.EncodeOption
	if target == imaging.JPEG {
		imageType = "JPG"
		encodeOptions = append(encodeOptions, imaging.JPEGQuality(cfg.JPEGQuality))
	}
	if err := imaging.Encode(buf, img, target, encodeOptions...); err != nil {
		bufferPool.Put(buf)
		return nil, &DecodeError{File: name, Err: fmt.Errorf("could not re-encode to %s: %w", imageType, err)}
	}

	bounds := img.Bounds()
	return &preparedImage{
		Name:      name,
		Reader:    buf,
		Width:     float64(bounds.Dx()),
		Height:    float64(bounds.Dy()),
		ImageType: imageType,
		pooled:    buf,
	}, nil
}

// newDocument creates an empty document whose user unit is the point, so one pixel maps to one point.
func newDocument() *gofpdf.Fpdf {
	pdf := gofpdf.New("P", "pt", "A4", "") // Default page size, actual size set per image
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	return pdf
}

// addImagePage appends one page sized to the image and covers it with the image.
func addImagePage(pdf *gofpdf.Fpdf, cfg *Config, file scanner.ImageFile, index int) error {
	img, err := prepareImage(cfg, file)
	if err != nil {
		return err
	}
	defer img.release()

	pdf.AddPageFormat("P", gofpdf.SizeType{Wd: img.Width, Ht: img.Height})
	if pdf.Err() {
		return fmt.Errorf("could not add page for %s: %w", file.Name, pdf.Error())
	}

	imageName := fmt.Sprintf("image%d", index)
	pdf.RegisterImageOptionsReader(imageName, gofpdf.ImageOptions{ImageType: img.ImageType, ReadDpi: false}, img.Reader)
	if pdf.Err() {
		// gofpdf rejects some valid files, interlaced PNGs for example. Decode fully and retry once.
		registerErr := pdf.Error()
		pdf.ClearError()
		slog.Debug("Image rejected by PDF writer, re-encoding", "filename", file.Name, "error", registerErr)

		data, readErr := os.ReadFile(file.Path)
		if readErr != nil {
			return &DecodeError{File: file.Name, Err: readErr}
		}
		fallback, err := reencodeImage(cfg, file.Name, data, imaging.PNG)
		if err != nil {
			return err
		}
		defer fallback.release()

		imageName += "_png"
		img.ImageType = fallback.ImageType
		pdf.RegisterImageOptionsReader(imageName, gofpdf.ImageOptions{ImageType: fallback.ImageType, ReadDpi: false}, fallback.Reader)
		if pdf.Err() {
			err := pdf.Error()
			pdf.ClearError()
			return &DecodeError{File: file.Name, Err: errors.Join(registerErr, err)}
		}
	}

	// x, y = 0, 0 and flow = false: absolute placement covering the whole page.
	pdf.ImageOptions(imageName, 0, 0, img.Width, img.Height, false, gofpdf.ImageOptions{ImageType: img.ImageType}, 0, "")
	if pdf.Err() {
		return fmt.Errorf("could not place image %s on PDF page: %w", file.Name, pdf.Error())
	}
	return nil
}

// renderDocument builds the whole document in memory. Cancellation is checked before every image;
// a cancelled run drops the document and nothing reaches the disk.
func renderDocument(ctx context.Context, title string, files []scanner.ImageFile, cfg *Config, report ProgressFunc) (*gofpdf.Fpdf, error) {
	pdf := newDocument()
	total := len(files)

	for i, file := range files {
		if err := ctx.Err(); err != nil {
			slog.Info("Cancellation detected before adding image to PDF", "filename", file.Name, "completed", i, "total", total)
			return nil, err
		}

		slog.Debug("Adding image to PDF", "filename", file.Name, "index", i)
		if err := addImagePage(pdf, cfg, file, i); err != nil {
			return nil, err
		}

		report(Progress{
			Stage:   StageRendering,
			Current: i + 1,
			Total:   total,
			Message: fmt.Sprintf("Added %s (%d/%d)", file.Name, i+1, total),
		})
	}

	// isUTF8=false makes gofpdf write the already encoded bytes as they are.
	pdf.SetTitle(pdfTextString(title), false)
	pdf.SetCreator(pdfTextString(cfg.Creator), false)
	if pdf.Err() { // Check for any accumulated errors in gofpdf
		return nil, fmt.Errorf("error generating PDF structure: %w", pdf.Error())
	}
	return pdf, nil
}

// verifyPDF checks a written document before it replaces the output file.
var verifyPDF = Validate

// saveDocument writes pdf to a pending file next to outPath and atomically replaces outPath with it,
// so readers never see a truncated PDF and a failed run leaves the previous file untouched.
// With verify set the pending file must pass validation before the replace.
func saveDocument(pdf *gofpdf.Fpdf, outPath string, verify bool) error {
	dir := filepath.Dir(outPath)
	pending, err := renameio.NewPendingFile(outPath, renameio.WithTempDir(dir), renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("%w: could not create output file in %s: %w", ErrWrite, dir, err)
	}
	defer func() {
		// No-op once the file has been moved into place.
		if err := pending.Cleanup(); err != nil {
			slog.Warn("Failed to remove temporary output file", "path", pending.Name(), "error", err)
		}
	}()

	if err := pdf.Output(pending); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if verify {
		if err := verifyPDF(pending.Name()); err != nil {
			return fmt.Errorf("%w: written file failed validation: %w", ErrWrite, err)
		}
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// Convert runs one conversion: scan req.Folder, render every image as a page and save
// the document as <folder>/<title>.pdf. It returns the output path.
//
// Cancelling ctx stops the run between images and returns ctx.Err(); once saving has
// started the run can no longer be cancelled.
func Convert(ctx context.Context, req Request, cfg *Config, onProgress ProgressFunc) (string, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	report := func(p Progress) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	report(Progress{Stage: StageScanning, Message: fmt.Sprintf("Scanning %s", req.Folder)})
	files, err := scanner.Scan(req.Folder)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		slog.Info("No image files found", "folder", req.Folder)
		return "", fmt.Errorf("%w in directory %s", ErrNoImagesFound, req.Folder)
	}
	slog.Info("Found image files to convert", "count", len(files), "folder", req.Folder)
	report(Progress{Stage: StageRendering, Total: len(files), Message: fmt.Sprintf("Found %d images", len(files))})

	pdf, err := renderDocument(ctx, req.Title, files, cfg, report)
	if err != nil {
		return "", err
	}

	outPath := req.OutputPath()
	report(Progress{Stage: StageSaving, Current: len(files), Total: len(files), Message: fmt.Sprintf("Saving %s", filepath.Base(outPath))})
	if err := saveDocument(pdf, outPath, cfg.Verify); err != nil {
		slog.Error("Failed to save PDF", "path", outPath, "error", err)
		return "", err
	}

	slog.Info("PDF conversion completed", "path", outPath, "pages", len(files))
	return outPath, nil
}
