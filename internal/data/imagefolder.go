package data

import (
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/tensor"
)

// MaskMode selects how mask images are turned into class labels.
type MaskMode int

const (
	// MaskIndex reads a grayscale mask whose pixel value is the class index.
	MaskIndex MaskMode = iota
	// MaskChannels reads a color mask as [3,H,W]; the class is the argmax
	// over the color channels.
	MaskChannels
)

// ImageFolderConfig locates a dataset on disk.
type ImageFolderConfig struct {
	ImageDir string   // Primary RGB images
	AuxDir   string   // Auxiliary grayscale images; empty for none
	MaskDir  string   // Label masks
	Scale    float64  // Downscale factor in (0,1]
	MaskMode MaskMode // Mask interpretation
}

// ImageFolder pairs files from the image, auxiliary and mask directories
// by file name without extension.
type ImageFolder struct {
	cfg   ImageFolderConfig
	items []folderItem
}

type folderItem struct {
	image, aux, mask string
}

// NewImageFolder scans the directories and pairs their files.
//
// Images without a matching mask (or auxiliary file, when AuxDir is set)
// are an error rather than silently skipped.
func NewImageFolder(cfg ImageFolderConfig) (*ImageFolder, error) {
	if cfg.Scale <= 0 || cfg.Scale > 1 {
		return nil, errors.Errorf("image folder: scale must be in (0,1], got %v", cfg.Scale)
	}
	images, err := listByStem(cfg.ImageDir)
	if err != nil {
		return nil, err
	}
	masks, err := listByStem(cfg.MaskDir)
	if err != nil {
		return nil, err
	}
	var aux map[string]string
	if cfg.AuxDir != "" {
		if aux, err = listByStem(cfg.AuxDir); err != nil {
			return nil, err
		}
	}

	stems := make([]string, 0, len(images))
	for stem := range images {
		stems = append(stems, stem)
	}
	sort.Strings(stems)
	if len(stems) == 0 {
		return nil, errors.Errorf("image folder: no input files in %s", cfg.ImageDir)
	}

	items := make([]folderItem, 0, len(stems))
	for _, stem := range stems {
		it := folderItem{image: images[stem]}
		var ok bool
		if it.mask, ok = masks[stem]; !ok {
			return nil, errors.Errorf("image folder: no mask for %s in %s", stem, cfg.MaskDir)
		}
		if aux != nil {
			if it.aux, ok = aux[stem]; !ok {
				return nil, errors.Errorf("image folder: no auxiliary image for %s in %s", stem, cfg.AuxDir)
			}
		}
		items = append(items, it)
	}
	return &ImageFolder{cfg: cfg, items: items}, nil
}

// listByStem maps file names without extension to their paths, skipping
// hidden files and directories.
func listByStem(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read directory %s", dir)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if prev, dup := out[stem]; dup {
			return nil, errors.Errorf("ambiguous files %s and %s in %s", prev, name, dir)
		}
		out[stem] = filepath.Join(dir, name)
	}
	return out, nil
}

// Len returns the number of paired samples.
func (f *ImageFolder) Len() int {
	return len(f.items)
}

// Get decodes, rescales and normalizes sample idx.
//
// Images become [3,H,W] in [0,1]; auxiliary images [1,H,W] in [0,1];
// masks follow MaskMode. All three must share the same source size.
func (f *ImageFolder) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(f.items) {
		return Sample{}, errors.Errorf("image folder: index %d out of range [0,%d)", idx, len(f.items))
	}
	it := f.items[idx]

	img, err := decodeFile(it.image)
	if err != nil {
		return Sample{}, err
	}
	bounds := img.Bounds()
	w := max(1, int(float64(bounds.Dx())*f.cfg.Scale))
	h := max(1, int(float64(bounds.Dy())*f.cfg.Scale))

	var s Sample
	s.Image = toCHW(img, w, h, false, 255)

	if it.aux != "" {
		auxImg, err := decodeFile(it.aux)
		if err != nil {
			return Sample{}, err
		}
		if auxImg.Bounds().Size() != bounds.Size() {
			return Sample{}, errors.Errorf("image folder: %s is %v but %s is %v",
				it.aux, auxImg.Bounds().Size(), it.image, bounds.Size())
		}
		s.Aux = toCHW(auxImg, w, h, true, 255)
	}

	maskImg, err := decodeFile(it.mask)
	if err != nil {
		return Sample{}, err
	}
	if maskImg.Bounds().Size() != bounds.Size() {
		return Sample{}, errors.Errorf("image folder: mask %s is %v but %s is %v",
			it.mask, maskImg.Bounds().Size(), it.image, bounds.Size())
	}
	switch f.cfg.MaskMode {
	case MaskChannels:
		s.Mask = toCHW(maskImg, w, h, false, 1)
	default:
		gray := toCHW(maskImg, w, h, true, 1)
		s.Mask, _ = gray.Reshape(h, w)
	}
	return s, nil
}

func decodeFile(path string) (image.Image, error) {
	//nolint:gosec // G304: dataset paths are operator supplied
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() {
		_ = file.Close()
	}()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}

// toCHW resamples img to w x h with nearest-neighbour lookup (which keeps
// mask labels intact) and returns channel-first 8-bit values divided by
// div. gray selects a single luminance channel instead of RGB.
func toCHW(img image.Image, w, h int, gray bool, div float32) *tensor.Dense {
	b := img.Bounds()
	scaleX := float64(b.Dx()) / float64(w)
	scaleY := float64(b.Dy()) / float64(h)

	chans := 3
	if gray {
		chans = 1
	}
	out := tensor.Zeros(chans, h, w)
	data := out.Data()
	for y := range h {
		srcY := b.Min.Y + min(int(float64(y)*scaleY), b.Dy()-1)
		for x := range w {
			srcX := b.Min.X + min(int(float64(x)*scaleX), b.Dx()-1)
			r, g, bl, _ := img.At(srcX, srcY).RGBA()
			p := y*w + x
			if gray {
				// ITU-R 601 luma, same weights as color.GrayModel.
				luma := (19595*r + 38470*g + 7471*bl + 1<<15) >> 24
				data[p] = float32(luma) / div
				continue
			}
			data[p] = float32(r>>8) / div
			data[h*w+p] = float32(g>>8) / div
			data[2*h*w+p] = float32(bl>>8) / div
		}
	}
	return out
}
