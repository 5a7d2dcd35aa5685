package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"

	"folder_to_pdf/internal/scanner"
)

func scannerFile(path string) scanner.ImageFile {
	return scanner.ImageFile{Path: path, Name: filepath.Base(path)}
}

// writeImage saves a solid w×h image; the format follows the file extension.
func writeImage(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 80, B: 40, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("Failed to write test image %s: %v", path, err)
	}
	return path
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read dir %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func assertNoFile(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected no file at %s, stat returned %v", path, err)
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	for _, name := range listDir(t, dir) {
		// Pending output files are hidden siblings of the target.
		if strings.HasPrefix(name, ".") {
			t.Errorf("Temporary file left behind: %s", name)
		}
	}
}

func inspectPages(t *testing.T, path string) []PageSize {
	t.Helper()
	report, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect(%s) failed: %v", path, err)
	}
	return report.Pages
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.JPEGQuality != 90 {
		t.Errorf("Expected JPEGQuality 90, got %d", cfg.JPEGQuality)
	}
	if cfg.Creator != "folder_to_pdf" {
		t.Errorf("Expected Creator 'folder_to_pdf', got %s", cfg.Creator)
	}
	if cfg.AutoOrient || cfg.Verify {
		t.Error("Expected AutoOrient and Verify to be off by default")
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		title    string
		expected string
	}{
		{"Report", "Report.pdf"},
		{"Report.pdf", "Report.pdf"},
		{"Report.PDF", "Report.PDF.pdf"},
		{"notes.pdf.txt", "notes.pdf.txt.pdf"},
		{" spaced ", " spaced .pdf"},
		{"a/b", "a_b.pdf"},
		{`a\b`, "a_b.pdf"},
	}

	for _, tt := range tests {
		got := NormalizeTitle(tt.title)
		if got != tt.expected {
			t.Errorf("NormalizeTitle(%q): expected '%s', got '%s'", tt.title, tt.expected, got)
		}
	}
}

func TestOutputPath(t *testing.T) {
	dir := t.TempDir()
	a := Request{Title: "Report", Folder: dir}.OutputPath()
	b := Request{Title: "Report.pdf", Folder: dir}.OutputPath()
	if a != b || a != filepath.Join(dir, "Report.pdf") {
		t.Errorf("Expected both titles to map to %s, got %s and %s", filepath.Join(dir, "Report.pdf"), a, b)
	}
}

func TestRequestValidate(t *testing.T) {
	if err := (Request{Title: "", Folder: "x"}).Validate(); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for empty title, got %v", err)
	}
	if err := (Request{Title: "t", Folder: ""}).Validate(); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for empty folder, got %v", err)
	}
	if err := (Request{Title: "t", Folder: "x"}).Validate(); err != nil {
		t.Errorf("Expected valid request, got %v", err)
	}
}

func TestConvert_NoImages(t *testing.T) {
	dir := t.TempDir()
	req := Request{Title: "Empty", Folder: dir}

	_, err := Convert(context.Background(), req, NewDefaultConfig(), nil)
	if !errors.Is(err, ErrNoImagesFound) {
		t.Errorf("Expected ErrNoImagesFound, got %v", err)
	}
	if names := listDir(t, dir); len(names) != 0 {
		t.Errorf("Expected no files to be created, found %v", names)
	}
}

func TestConvert_NoMatchingExtensions(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("text"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Convert(context.Background(), Request{Title: "Doc", Folder: dir}, nil, nil)
	if !errors.Is(err, ErrNoImagesFound) {
		t.Errorf("Expected ErrNoImagesFound, got %v", err)
	}
	assertNoFile(t, filepath.Join(dir, "Doc.pdf"))
}

func TestConvert_NotADirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := Convert(context.Background(), Request{Title: "Doc", Folder: filepath.Join(dir, "missing")}, nil, nil)
	if !errors.Is(err, ErrNotADirectory) {
		t.Errorf("Expected ErrNotADirectory, got %v", err)
	}
}

func TestConvert_PageSizesFollowImages(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "page1.png", 800, 600)
	writeImage(t, dir, "page2.jpg", 100, 100)

	out, err := Convert(context.Background(), Request{Title: "Sizes", Folder: dir}, NewDefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if out != filepath.Join(dir, "Sizes.pdf") {
		t.Errorf("Unexpected output path %s", out)
	}

	pages := inspectPages(t, out)
	expected := []PageSize{{800, 600}, {100, 100}}
	if len(pages) != len(expected) {
		t.Fatalf("Expected %d pages, got %d", len(expected), len(pages))
	}
	for i := range expected {
		if pages[i] != expected[i] {
			t.Errorf("Page %d: expected %v, got %v", i+1, expected[i], pages[i])
		}
	}
}

func TestConvert_AllSupportedFormats(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "1.png", 30, 20)
	writeImage(t, dir, "2.jpeg", 40, 25)
	writeImage(t, dir, "3.gif", 50, 30)
	writeImage(t, dir, "4.bmp", 60, 35)
	writeImage(t, dir, "10.JPG", 70, 40)

	out, err := Convert(context.Background(), Request{Title: "Formats", Folder: dir}, NewDefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	pages := inspectPages(t, out)
	expected := []PageSize{{30, 20}, {40, 25}, {50, 30}, {60, 35}, {70, 40}}
	if len(pages) != len(expected) {
		t.Fatalf("Expected %d pages, got %d", len(expected), len(pages))
	}
	for i := range expected {
		if pages[i] != expected[i] {
			t.Errorf("Page %d: expected %v, got %v", i+1, expected[i], pages[i])
		}
	}
}

func TestConvert_SixteenBitPNG(t *testing.T) {
	dir := t.TempDir()
	img := image.NewNRGBA64(image.Rect(0, 0, 12, 9))
	for y := 0; y < 9; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, color.NRGBA64{R: 0xffff, G: uint16(x * 4000), B: uint16(y * 6000), A: 0xffff})
		}
	}
	f, err := os.Create(filepath.Join(dir, "deep.png"))
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	out, err := Convert(context.Background(), Request{Title: "Deep", Folder: dir}, nil, nil)
	if err != nil {
		t.Fatalf("Convert failed for 16-bit PNG: %v", err)
	}
	pages := inspectPages(t, out)
	if len(pages) != 1 || pages[0] != (PageSize{12, 9}) {
		t.Errorf("Expected one 12x9 page, got %v", pages)
	}
}

func TestConvert_CancelMidRun(t *testing.T) {
	dir := t.TempDir()
	for i := 1; i <= 10; i++ {
		writeImage(t, dir, fmt.Sprintf("img%d.png", i), 20, 20)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completed := 0
	onProgress := func(p Progress) {
		if p.Stage == StageRendering && p.Current > 0 {
			completed = p.Current
			if p.Current == 3 {
				cancel()
			}
		}
	}

	_, err := Convert(ctx, Request{Title: "Cancelled", Folder: dir}, NewDefaultConfig(), onProgress)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if completed != 3 {
		t.Errorf("Expected processing to stop after 3 images, got %d", completed)
	}
	assertNoFile(t, filepath.Join(dir, "Cancelled.pdf"))
	assertNoTempFiles(t, dir)
	if n := len(listDir(t, dir)); n != 10 {
		t.Errorf("Expected only the 10 source images in the folder, found %d entries", n)
	}
}

func TestConvert_ContextCancelledBeforeStart(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.png", 10, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel context before calling

	_, err := Convert(ctx, Request{Title: "Never", Folder: dir}, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled error, got %v", err)
	}
	assertNoFile(t, filepath.Join(dir, "Never.pdf"))
}

func TestConvert_DecodeErrorAbortsRun(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a1.png", 10, 10)
	if err := os.WriteFile(filepath.Join(dir, "a2.png"), []byte("this is not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeImage(t, dir, "a3.png", 10, 10)

	// Redirect slog to a buffer to check logs if needed
	var logBuf bytes.Buffer
	originalLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(originalLogger)

	_, err := Convert(context.Background(), Request{Title: "Broken", Folder: dir}, NewDefaultConfig(), nil)

	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Expected *DecodeError, got %v. Logs: %s", err, logBuf.String())
	}
	if decodeErr.File != "a2.png" {
		t.Errorf("Expected DecodeError for a2.png, got %s", decodeErr.File)
	}
	assertNoFile(t, filepath.Join(dir, "Broken.pdf"))
	assertNoTempFiles(t, dir)
}

func TestConvert_WriteError(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.png", 10, 10)
	// A directory in place of the output file makes the final rename fail.
	if err := os.Mkdir(filepath.Join(dir, "Blocked.pdf"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := Convert(context.Background(), Request{Title: "Blocked", Folder: dir}, NewDefaultConfig(), nil)
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("Expected ErrWrite, got %v", err)
	}
	assertNoTempFiles(t, dir)
}

func TestConvert_RerunOverwrites(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "b.png", 10, 20)
	writeImage(t, dir, "a.png", 30, 40)
	req := Request{Title: "Again", Folder: dir}

	for run := 1; run <= 2; run++ {
		out, err := Convert(context.Background(), req, NewDefaultConfig(), nil)
		if err != nil {
			t.Fatalf("Run %d failed: %v", run, err)
		}
		pages := inspectPages(t, out)
		if len(pages) != 2 || pages[0] != (PageSize{30, 40}) || pages[1] != (PageSize{10, 20}) {
			t.Errorf("Run %d: unexpected pages %v", run, pages)
		}
	}

	// The previous PDF is not an image, so it never feeds back into the next run.
	if n := len(listDir(t, dir)); n != 3 {
		t.Errorf("Expected 2 images and 1 PDF, found %d entries", n)
	}
	assertNoTempFiles(t, dir)
}

func TestConvert_ProgressIsMonotonic(t *testing.T) {
	dir := t.TempDir()
	for i := 1; i <= 4; i++ {
		writeImage(t, dir, fmt.Sprintf("p%d.gif", i), 8, 8)
	}

	var updates []Progress
	_, err := Convert(context.Background(), Request{Title: "Progress", Folder: dir}, NewDefaultConfig(), func(p Progress) {
		updates = append(updates, p)
	})
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	if updates[0].Stage != StageScanning {
		t.Errorf("Expected first update to be scanning, got %s", updates[0].Stage)
	}
	last := updates[len(updates)-1]
	if last.Stage != StageSaving || last.Current != 4 || last.Total != 4 {
		t.Errorf("Expected final update saving 4/4, got %+v", last)
	}
	prev := 0
	for _, u := range updates[1:] {
		if u.Total != 4 {
			t.Errorf("Total changed during run: %+v", u)
		}
		if u.Current < prev || u.Current > u.Total {
			t.Errorf("Progress went backwards or out of range: %+v after %d", u, prev)
		}
		prev = u.Current
	}
	if !strings.Contains(updates[len(updates)-2].Message, "p4.gif") {
		t.Errorf("Expected last rendering message to name p4.gif, got %q", updates[len(updates)-2].Message)
	}
}

func TestConvert_TitleMetadata(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.png", 10, 10)

	out, err := Convert(context.Background(), Request{Title: "Report", Folder: dir}, NewDefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte("/Title")) {
		t.Error("Expected a /Title entry in the document information")
	}
	// gofpdf stores UTF-8 metadata as UTF-16BE.
	if !bytes.Contains(data, []byte("\x00R\x00e\x00p\x00o\x00r\x00t")) {
		t.Error("Expected the title text in the document information")
	}
}

func TestConvert_TitleMetadataRoundTrip(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Trip 🏖 (2024)", "Trip 🏖 (2024)"},
		{"報告書", "報告書"},
		{"Café", "Café"},
		{"V\xff(", "V\uFFFD("},
	}
	for i, tt := range tests {
		dir := t.TempDir()
		writeImage(t, dir, "a.png", 10, 10)

		out, err := Convert(context.Background(), Request{Title: tt.title, Folder: dir}, NewDefaultConfig(), nil)
		if err != nil {
			t.Fatalf("case %d: Convert(%q) failed: %v", i, tt.title, err)
		}
		report, err := Inspect(out)
		if err != nil {
			t.Fatalf("case %d: Inspect failed: %v", i, err)
		}
		if report.Title != tt.want {
			t.Errorf("case %d: expected title %q, got %q", i, tt.want, report.Title)
		}
	}
}

func TestPdfTextString(t *testing.T) {
	got := pdfTextString("A🏖")
	want := "\xfe\xff\x00A\xd8\x3c\xdf\xd6"
	if got != want {
		t.Errorf("pdfTextString: expected %q, got %q", want, got)
	}
}

func TestConvert_VerifyFailureKeepsPreviousFile(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.png", 10, 10)
	req := Request{Title: "Kept", Folder: dir}

	first, err := Convert(context.Background(), req, NewDefaultConfig(), nil)
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	before, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}

	orig := verifyPDF
	defer func() { verifyPDF = orig }()
	var checked string
	verifyPDF = func(path string) error {
		checked = path
		return errors.New("broken cross reference table")
	}

	writeImage(t, dir, "b.png", 20, 20)
	cfg := NewDefaultConfig()
	cfg.Verify = true
	_, err = Convert(context.Background(), req, cfg, nil)
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("Expected ErrWrite, got %v", err)
	}
	if checked == "" || checked == first {
		t.Errorf("Expected the pending file to be validated, not %q", checked)
	}

	after, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("Previous output was removed: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("Previous output was overwritten by a run that failed validation")
	}
	assertNoTempFiles(t, dir)
}

func TestConvert_Verify(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.png", 10, 10)
	cfg := NewDefaultConfig()
	cfg.Verify = true

	out, err := Convert(context.Background(), Request{Title: "Checked", Folder: dir}, cfg, nil)
	if err != nil {
		t.Fatalf("Convert with Verify failed: %v", err)
	}
	if err := Validate(out); err != nil {
		t.Errorf("Validate failed on produced file: %v", err)
	}
}

func TestValidate_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.pdf")
	if err := os.WriteFile(path, []byte("not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Validate(path); err == nil {
		t.Error("Expected validation error for garbage file")
	}
	if _, err := Inspect(path); err == nil {
		t.Error("Expected inspect error for garbage file")
	}
}

func TestPrepareImage_ReencodesBMP(t *testing.T) {
	dir := t.TempDir()
	path := writeImage(t, dir, "x.bmp", 7, 5)

	img, err := prepareImage(NewDefaultConfig(), scannerFile(path))
	if err != nil {
		t.Fatalf("prepareImage failed: %v", err)
	}
	defer img.release()
	if img.ImageType != "PNG" || img.pooled == nil {
		t.Errorf("Expected BMP to be re-encoded into a pooled PNG buffer, got type %s", img.ImageType)
	}
	if img.Width != 7 || img.Height != 5 {
		t.Errorf("Expected 7x5, got %vx%v", img.Width, img.Height)
	}
}

func TestPrepareImage_MissingFile(t *testing.T) {
	_, err := prepareImage(NewDefaultConfig(), scannerFile(filepath.Join(t.TempDir(), "gone.png")))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) || decodeErr.File != "gone.png" {
		t.Errorf("Expected DecodeError for gone.png, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected DecodeError to wrap os.ErrNotExist, got %v", err)
	}
}

func TestStageString(t *testing.T) {
	if StageRendering.String() != "rendering" {
		t.Errorf("Unexpected stage name %s", StageRendering)
	}
	if Stage(9).String() != "stage(9)" {
		t.Errorf("Unexpected stage name %s", Stage(9))
	}
}
