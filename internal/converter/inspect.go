package converter

import (
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

func init() {
	// pdfcpu would otherwise create its config directory under the user's home on first use.
	api.DisableConfigDir()
}

// PageSize is the media box of one page, in points.
type PageSize struct {
	Width  float64
	Height float64
}

// Report describes an existing PDF file.
type Report struct {
	Path  string
	Title string // Decoded document information title, "" when unset
	Pages []PageSize
}

// PageCount returns the number of pages in the report.
func (r *Report) PageCount() int {
	return len(r.Pages)
}

// Inspect reads back the title and page sizes of the PDF at path.
func Inspect(path string) (*Report, error) {
	ctx, err := api.ReadContextFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}
	dims, err := api.PageDimsFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read page sizes of %s: %w", path, err)
	}
	report := &Report{Path: path, Title: ctx.Title, Pages: make([]PageSize, len(dims))}
	for i, d := range dims {
		report.Pages[i] = PageSize{Width: d.Width, Height: d.Height}
	}
	return report, nil
}

// Validate checks that the file at path is a well-formed PDF.
func Validate(path string) error {
	conf := model.NewDefaultConfiguration()
	if err := api.ValidateFile(path, conf); err != nil {
		return fmt.Errorf("validation of %s failed: %w", path, err)
	}
	return nil
}
