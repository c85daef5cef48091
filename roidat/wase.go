package roidat

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// waseHeader is the method block WVASE expects before the data rows.
const waseHeader = "\nVASEmethod[EllipsometerType=5, Isotropic+Depolarization, AutoRetarder=1, TrackPol=1, " +
	"ZoneAve=1, Revs=50.0, WinCorrected=1, AutoSlit=1700, WVASE=3.934, HardVer=6.256, Thu Jan 19 10:52:30 2023]\n" +
	"Original[C:\\WVASE32\\DAT\\Ermes\\221214_exf_mos2_ellips\\221214_2_coarse_60deg.dat]\n" +
	"nm\n"

// WASEColumns are the columns exported to WVASE, in output order, when present.
var WASEColumns = []string{"Lambda", "AOI", "Psi", "Delta", "Psi_sigma", "Delta_sigma"}

// WASEPath returns the per-ROI output name for path.
func WASEPath(path string, roi int) string {
	return strings.ReplaceAll(path, ".dat", "_ROI"+strconv.Itoa(roi)+".dat")
}

// EncodeWASE writes t as a WVASE data file: the method header, then tab-separated rows
// of the WASEColumns present in t, without a header row.
func EncodeWASE(w io.Writer, t *Table) error {
	var idx []int
	for _, name := range WASEColumns {
		if i := t.Index(name); i >= 0 {
			idx = append(idx, i)
		}
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(waseHeader); err != nil {
		return err
	}
	for _, rec := range t.Records {
		for j, i := range idx {
			if j > 0 {
				if err := bw.WriteByte('\t'); err != nil {
					return err
				}
			}
			if _, err := bw.WriteString(strings.TrimSpace(rec[i])); err != nil {
				return err
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteWASE converts the ROI table at path into one WVASE file per ROI and returns
// the written paths in ROI order.
func WriteWASE(path string) ([]string, error) {
	tables, err := Read(path)
	if err != nil {
		return nil, err
	}

	var written []string
	for _, roi := range ROIs(tables) {
		out := WASEPath(path, roi)
		if out == path {
			return written, fmt.Errorf("%s: no .dat in file name, refusing to overwrite input", path)
		}
		if err := writeFile(out, tables[roi]); err != nil {
			return written, err
		}
		written = append(written, out)
	}
	return written, nil
}

func writeFile(path string, t *Table) error {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	if err := EncodeWASE(f, t); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
