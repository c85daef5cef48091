package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nanofilm/accurion"
	"github.com/schollz/progressbar/v3"
)

func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	format := fs.String("format", "f32", "output format: f32, zst, csv, exr, tif, bmp or png")
	outDir := fs.String("outdir", "", "output directory, defaults to the input's directory")
	threads := fs.Int("threads", runtime.NumCPU(), "parallel conversions")
	logFile := fs.String("log", "convert.log", "file to log failed conversions to")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 || *threads <= 0 {
		return errors.New("missing required arguments")
	}
	ext := "." + strings.TrimPrefix(*format, ".")
	if ext == ".png" && *outDir == "" {
		return errors.New("png output needs -outdir, it would overwrite the input")
	}

	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	logStream, err := os.OpenFile(filepath.Clean(*logFile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logStream.Close()
	log.SetOutput(logStream)

	paths := make(chan string)
	progress := progressbar.Default(int64(fs.NArg()), "convert")

	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	wg.Add(*threads)
	for i := 0; i < *threads; i++ {
		go func() {
			defer wg.Done()
			for in := range paths {
				if err := convertFile(in, outputPath(in, *outDir, ext)); err != nil {
					failed.Add(1)
					log.Println("failed to convert", in, err)
				}
				_ = progress.Add(1)
			}
		}()
	}
	for _, in := range fs.Args() {
		paths <- in
	}
	close(paths)
	wg.Wait()
	_ = progress.Finish()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d files failed, see %s", n, fs.NArg(), *logFile)
	}
	return nil
}

func outputPath(in, outDir, ext string) string {
	base := strings.TrimSuffix(in, filepath.Ext(in)) + ext
	if outDir == "" {
		return base
	}
	return filepath.Join(outDir, filepath.Base(base))
}

func convertFile(in, out string) error {
	m, err := accurion.ReadImage(in)
	if err != nil {
		return err
	}
	return accurion.ExportFile(out, m)
}
