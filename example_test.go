package accurion_test

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nanofilm/accurion"
)

func ExampleReadImage() {
	m, err := accurion.ReadImage(filepath.FromSlash("testdata/map.png"))
	if err != nil {
		return
	}
	fmt.Println(m.Rows, m.Cols)
}

func ExampleExportFile() {
	m, err := accurion.ReadImage(filepath.FromSlash("testdata/map.png"))
	if err != nil {
		return
	}
	_ = accurion.ExportFile(filepath.Join(os.TempDir(), "map.exr"), m)
}

func ExampleThresholdOtsu() {
	m := accurion.NewMatrix(1, 4)
	copy(m.Pix, []float32{0, 0, 10, 10})
	th, _ := accurion.ThresholdOtsu(m, 4, nil)
	fmt.Println(th)
	// Output: 1.25
}
