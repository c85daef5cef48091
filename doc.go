// Package accurion reads Accurion nanofilm measurement images.
//
// Nanofilm stores full-precision float32 maps inside an otherwise ordinary PNG: a tEXt chunk
// keyed ".ACCURION_RAWDATA" carries the raw matrix next to a viewable preview. The reader scans
// the chunk stream once, returns the raw matrix when present, and otherwise falls back to the
// standard PNG decoder with a significant-bits correction. Results can be exported as raw
// float32, CSV, OpenEXR, or TIFF/BMP previews.
package accurion
