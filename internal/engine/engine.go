package engine

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"

	_ "golang.org/x/image/webp"
)

// MinDimension is the hard safety floor for either output dimension. The
// iterative search fails with ErrUnachievableTarget rather than shrink below it.
const MinDimension = 100

// Config defines parameters for a single compression run.
type Config struct {
	// TargetBytes is the maximum allowed raw encoded size.
	TargetBytes int64
	// MaxWidth and MaxHeight bound the initial output dimensions.
	MaxWidth  int
	MaxHeight int
	// InitialQuality is the starting encode quality in (0,1].
	InitialQuality float64
	// MinQuality is the floor below which the search shrinks dimensions instead.
	MinQuality float64
	// QualityStep is subtracted from the quality on each unsuccessful attempt.
	QualityStep float64
	// ScaleFactor multiplies both dimensions once the quality floor is reached.
	// Must be in (0,1).
	ScaleFactor float64
	// MaxAttempts bounds the total number of encode attempts.
	MaxAttempts int
	// Format is the output encoding ("jpeg", "png", "gif", "bmp", "tiff").
	Format string
}

// DefaultConfig returns the compatibility defaults: a 375 KiB binary ceiling
// (about 500 KiB once base64-encoded), 1920x1080 maximum dimensions, and the
// 0.90 -> 0.50 quality ladder.
func DefaultConfig() Config {
	return Config{
		TargetBytes:    375 * 1024,
		MaxWidth:       1920,
		MaxHeight:      1080,
		InitialQuality: 0.90,
		MinQuality:     0.50,
		QualityStep:    0.05,
		ScaleFactor:    0.90,
		MaxAttempts:    20,
		Format:         "jpeg",
	}
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if c.TargetBytes <= 0 {
		return fmt.Errorf("%w: target_bytes must be positive", ErrInvalidConfig)
	}
	if c.MaxWidth < MinDimension || c.MaxHeight < MinDimension {
		return fmt.Errorf("%w: max dimensions must be at least %d", ErrInvalidConfig, MinDimension)
	}
	if c.InitialQuality <= 0 || c.InitialQuality > 1 {
		return fmt.Errorf("%w: initial_quality must be in (0,1]", ErrInvalidConfig)
	}
	if c.MinQuality <= 0 || c.MinQuality > c.InitialQuality {
		return fmt.Errorf("%w: min_quality must be in (0,initial_quality]", ErrInvalidConfig)
	}
	if c.QualityStep <= 0 {
		return fmt.Errorf("%w: quality_step must be positive", ErrInvalidConfig)
	}
	if c.ScaleFactor <= 0 || c.ScaleFactor >= 1 {
		return fmt.Errorf("%w: scale_factor must be in (0,1)", ErrInvalidConfig)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max_attempts must be positive", ErrInvalidConfig)
	}
	if _, err := imaging.FormatFromExtension(c.Format); err != nil {
		return fmt.Errorf("%w: unknown output format %q", ErrInvalidConfig, c.Format)
	}
	return nil
}

// Result describes the outcome of one compression run. On success Data holds
// the encoded bytes and DataURI the text-safe form handed to the record store.
// On failure Err is set and BestSize reports the smallest size achieved.
type Result struct {
	Success        bool
	Data           []byte
	DataURI        string
	OriginalSize   int64
	CompressedSize int64
	// StoredSize estimates the size after base64 text encoding.
	StoredSize int64
	// Ratio is CompressedSize / OriginalSize.
	Ratio        float64
	FinalQuality float64
	FinalWidth   int
	FinalHeight  int
	Attempts     int
	Elapsed      time.Duration
	BestSize     int64
	Err          error
}

// Engine is the single-item compression algorithm: decode, aspect-fit resize,
// then an iterative quality/dimension search until the byte budget is met.
// It is pure: no I/O, deterministic for identical input and config.
type Engine struct {
	log *logrus.Logger
}

// NewEngine returns an Engine logging through the given logger.
func NewEngine(log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{log: log}
}

// Compress encodes buf into cfg.Format under cfg.TargetBytes, preserving
// aspect ratio. Quality is lowered step by step to the floor; only then are
// dimensions scaled down and the quality reset. The search fails with
// ErrUnachievableTarget once either dimension would drop below MinDimension,
// or with ErrAttemptsExhausted when the attempt bound is hit.
func (e *Engine) Compress(buf []byte, cfg Config) Result {
	start := time.Now()
	res := Result{OriginalSize: int64(len(buf)), FinalQuality: cfg.InitialQuality}

	if err := cfg.Validate(); err != nil {
		res.Err = err
		res.Elapsed = time.Since(start)
		return res
	}

	format, _ := imaging.FormatFromExtension(cfg.Format)

	img, err := imaging.Decode(bytes.NewReader(buf))
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrDecode, err)
		res.Elapsed = time.Since(start)
		return res
	}
	img = normalizeOrientation(img, orientationOf(buf))

	bounds := img.Bounds()
	width, height := fitWithin(bounds.Dx(), bounds.Dy(), cfg.MaxWidth, cfg.MaxHeight)
	quality := cfg.InitialQuality
	best := int64(-1)

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		encoded, err := renderFrame(img, width, height, format, quality)
		if err != nil {
			res.Attempts = attempt
			res.Err = fmt.Errorf("%w: %v", ErrEncode, err)
			res.Elapsed = time.Since(start)
			return res
		}
		size := int64(len(encoded))
		if best < 0 || size < best {
			best = size
		}

		e.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"quality": quality,
			"width":   width,
			"height":  height,
			"size":    size,
			"target":  cfg.TargetBytes,
		}).Debug("Compression attempt")

		if size <= cfg.TargetBytes {
			res.Success = true
			res.Data = encoded
			res.DataURI = dataURI(encoded, cfg.Format)
			res.CompressedSize = size
			res.StoredSize = storedSize(size, cfg.Format)
			if res.OriginalSize > 0 {
				res.Ratio = float64(size) / float64(res.OriginalSize)
			}
			res.FinalQuality = quality
			res.FinalWidth = width
			res.FinalHeight = height
			res.Attempts = attempt
			res.BestSize = best
			res.Elapsed = time.Since(start)
			return res
		}

		if quality > cfg.MinQuality+1e-9 {
			quality = math.Max(quality-cfg.QualityStep, cfg.MinQuality)
			continue
		}

		nextW := int(math.Round(float64(width) * cfg.ScaleFactor))
		nextH := int(math.Round(float64(height) * cfg.ScaleFactor))
		if nextW < MinDimension || nextH < MinDimension {
			res.Attempts = attempt
			res.FinalQuality = quality
			res.FinalWidth = width
			res.FinalHeight = height
			res.BestSize = best
			res.Err = fmt.Errorf("%w: best %d bytes at %dx%d against target %d",
				ErrUnachievableTarget, best, width, height, cfg.TargetBytes)
			res.Elapsed = time.Since(start)
			return res
		}
		width, height = nextW, nextH
		quality = cfg.InitialQuality
	}

	res.Attempts = cfg.MaxAttempts
	res.FinalQuality = quality
	res.FinalWidth = width
	res.FinalHeight = height
	res.BestSize = best
	res.Err = fmt.Errorf("%w: best %d bytes after %d attempts against target %d",
		ErrAttemptsExhausted, best, cfg.MaxAttempts, cfg.TargetBytes)
	res.Elapsed = time.Since(start)
	return res
}

// renderFrame resizes the surface to the given dimensions and encodes it.
// Quality only affects JPEG output.
func renderFrame(img image.Image, width, height int, format imaging.Format, quality float64) ([]byte, error) {
	frame := img
	bounds := img.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height {
		frame = imaging.Resize(img, width, height, imaging.Lanczos)
	}
	var buf bytes.Buffer
	q := int(math.Round(quality * 100))
	if err := imaging.Encode(&buf, frame, format, imaging.JPEGQuality(q)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fitWithin computes initial target dimensions preserving aspect ratio. If the
// source already fits it is kept; otherwise the limiting dimension (larger
// overflow ratio) becomes exactly the max and the other scales proportionally.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	overW := float64(w) / float64(maxW)
	overH := float64(h) / float64(maxH)
	if overW >= overH {
		return maxW, int(math.Round(float64(h) / overW))
	}
	return int(math.Round(float64(w) / overH)), maxH
}

// storedSize estimates the byte count after the result is re-encoded as a
// base64 data URI for the text-only downstream store.
func storedSize(raw int64, format string) int64 {
	return int64(len(dataURIPrefix(format))) + 4*((raw+2)/3)
}

func dataURIPrefix(format string) string {
	return "data:" + sniffTypeFor(format) + ";base64,"
}

func dataURI(data []byte, format string) string {
	return dataURIPrefix(format) + base64.StdEncoding.EncodeToString(data)
}

func sniffTypeFor(format string) string {
	switch format {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "tif", "tiff":
		return "image/tiff"
	default:
		return "image/" + format
	}
}

// orientationOf reads the EXIF Orientation tag from the raw buffer, returning
// 1 (normal) when the tag is absent or unreadable.
func orientationOf(buf []byte) int {
	x, err := exif.Decode(bytes.NewReader(buf))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// normalizeOrientation applies the transform implied by an EXIF orientation
// value so downstream consumers see upright pixels.
func normalizeOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
