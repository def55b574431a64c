// Package magick decodes rasters ImageMagick can read but image/png cannot,
// such as GeoTIFF buffers. It needs the MagickWand C library.
package magick

import (
	"fmt"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"precorsia/internal/raster"
	"precorsia/internal/rasterstore"
)

var initOnce sync.Once

// Extensions lists the file types Register wires up.
var Extensions = []string{".tif", ".tiff", ".jpg", ".jpeg"}

// Decode reads path and flattens it to 8-bit intensity.
func Decode(path string) (*raster.Raster, error) {
	initOnce.Do(imagick.Initialize)

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read image: %v", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return nil, fmt.Errorf("failed to convert to grayscale: %v", err)
	}

	width := mw.GetImageWidth()
	height := mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels: %v", err)
	}
	samples, ok := pixels.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel type %T", pixels)
	}
	return raster.FromSamples("", int(width), int(height), samples)
}

// Register adds Decode to store for every entry in Extensions.
func Register(store *rasterstore.DirStore) {
	for _, ext := range Extensions {
		store.RegisterDecoder(ext, Decode)
	}
}
