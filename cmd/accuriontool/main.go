package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/nanofilm/accurion"
	"github.com/nanofilm/accurion/ipconn"
	"github.com/nanofilm/accurion/roidat"
	"github.com/schollz/progressbar/v3"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "imread":
		err = runImread(os.Args[2:])
	case "convert":
		err = runConvert(os.Args[2:])
	case "otsu":
		err = runOtsu(os.Args[2:])
	case "roi":
		err = runROI(os.Args[2:])
	case "wase":
		err = runWASE(os.Args[2:])
	case "call":
		err = runCall(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fail(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: accuriontool <command> [args]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  imread  -in image.png [-out matrix.{f32,zst,csv,exr,tif,bmp,png}] [-preview p.png -pw 512 -ph 512]")
	fmt.Fprintln(os.Stderr, "  convert -format f32|zst|csv|exr|tif|bmp|png [-outdir dir] [-threads N] [-log convert.log] image.png...")
	fmt.Fprintln(os.Stderr, "  otsu    -in image.png [-bins 256]")
	fmt.Fprintln(os.Stderr, "  roi     -in table.dat")
	fmt.Fprintln(os.Stderr, "  wase    table.dat...")
	fmt.Fprintln(os.Stderr, "  call    -addr host:port [-timeout 10s] command [arg...]")
}

func runImread(args []string) error {
	fs := flag.NewFlagSet("imread", flag.ContinueOnError)
	inPath := fs.String("in", "", "input Accurion PNG")
	outPath := fs.String("out", "", "write the matrix, format chosen by extension")
	previewPath := fs.String("preview", "", "write a scaled grayscale preview PNG")
	pw := fs.Uint("pw", 512, "preview max width")
	ph := fs.Uint("ph", 512, "preview max height")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return errors.New("missing required arguments")
	}

	m, info, err := accurion.ReadImageInfo(*inPath)
	if err != nil {
		return err
	}
	source := "image"
	if info.Raw {
		source = "raw"
	}
	fmt.Fprintf(os.Stdout, "shape: %dx%d\n", m.Rows, m.Cols)
	fmt.Fprintf(os.Stdout, "source: %s (bit depth %d, significant bits %d)\n", source, info.BitDepth, info.SignificantBits)
	if lo, hi, ok := m.MinMax(); ok {
		fmt.Fprintf(os.Stdout, "range: %g .. %g\n", lo, hi)
	}

	if *outPath != "" {
		if err := accurion.ExportFile(*outPath, m); err != nil {
			return err
		}
	}
	if *previewPath != "" {
		if err := writePreview(*previewPath, m, *pw, *ph); err != nil {
			return err
		}
	}
	return nil
}

func writePreview(path string, m *accurion.Matrix, maxW, maxH uint) error {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	if err := png.Encode(f, accurion.Preview(m, maxW, maxH)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func runOtsu(args []string) error {
	fs := flag.NewFlagSet("otsu", flag.ContinueOnError)
	inPath := fs.String("in", "", "input Accurion PNG")
	bins := fs.Int("bins", 256, "histogram bins")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return errors.New("missing required arguments")
	}
	m, err := accurion.ReadImage(*inPath)
	if err != nil {
		return err
	}
	th, err := accurion.ThresholdOtsu(m, *bins, nil)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, th)
	return nil
}

func runROI(args []string) error {
	fs := flag.NewFlagSet("roi", flag.ContinueOnError)
	inPath := fs.String("in", "", "input ROI table (.dat)")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return errors.New("missing required arguments")
	}
	tables, err := roidat.Read(*inPath)
	if err != nil {
		return err
	}
	for _, roi := range roidat.ROIs(tables) {
		t := tables[roi]
		fmt.Fprintf(os.Stdout, "ROI %d: %d rows, columns %v\n", roi, len(t.Records), t.Columns)
	}
	return nil
}

func runWASE(args []string) error {
	fs := flag.NewFlagSet("wase", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("missing required arguments")
	}

	progress := progressbar.Default(int64(fs.NArg()), "wase")
	var errs []error
	for _, path := range fs.Args() {
		if _, err := roidat.WriteWASE(path); err != nil {
			errs = append(errs, err)
		}
		_ = progress.Add(1)
	}
	_ = progress.Finish()
	return errors.Join(errs...)
}

func runCall(args []string) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	addr := fs.String("addr", "localhost:5000", "application address")
	timeout := fs.Duration("timeout", 10*time.Second, "call timeout")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("missing required arguments")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, err := ipconn.Dial(ctx, *addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	// arguments are passed through as Python literals
	params := make([]any, 0, fs.NArg()-1)
	for _, a := range fs.Args()[1:] {
		params = append(params, json.RawMessage(a))
	}
	v, err := conn.Call(ctx, fs.Arg(0), params...)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%v\n", v)
	return nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
