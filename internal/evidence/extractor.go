package evidence

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	_ "golang.org/x/image/webp"
)

// OCR recognises text in an encoded image.
type OCR interface {
	Recognize(ctx context.Context, img []byte) (string, error)
}

const (
	defaultExtractTimeout = 20 * time.Second
	// maxImageBytes bounds what is handed to the decoders.
	maxImageBytes = 16 << 20
	// maxImagePixels bounds the decoded size; a small file can declare huge dimensions.
	maxImagePixels = 40_000_000
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// Extractor turns Evidence into Signals. It never returns an error:
// anything it cannot read yields empty fields.
type Extractor struct {
	ocr      OCR
	timeout  time.Duration
	location *time.Location
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithTimeout bounds a single extraction.
func WithTimeout(d time.Duration) Option {
	return func(x *Extractor) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithLocation sets the timezone used for timestamps printed on evidence.
func WithLocation(loc *time.Location) Option {
	return func(x *Extractor) {
		if loc != nil {
			x.location = loc
		}
	}
}

// NewExtractor creates an extractor. ocr may be nil, in which case images
// contribute only QR and hash signals.
func NewExtractor(ocr OCR, opts ...Option) *Extractor {
	x := &Extractor{ocr: ocr, timeout: defaultExtractTimeout, location: time.UTC}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract derives signals from ev.
func (x *Extractor) Extract(ctx context.Context, ev Evidence) Signals {
	switch ev.Kind {
	case KindImage:
		return x.extractImage(ctx, ev.Data)
	case KindLink:
		return x.fromText(ev.Text, strings.Join(urlPattern.FindAllString(ev.Text, -1), " "))
	case KindCallback:
		return x.fromText("", ev.Reference)
	default:
		return Signals{}
	}
}

func (x *Extractor) fromText(text, payload string) Signals {
	s := Signals{
		ExtractedText:  strings.TrimSpace(text),
		DecodedPayload: strings.TrimSpace(payload),
	}
	s.AmountCandidates = ParseAmounts(s.ExtractedText)
	if ts, ok := ParseTimestamp(s.ExtractedText, x.location); ok {
		s.DetectedTimestamp = ts
	}
	return s
}

func (x *Extractor) extractImage(ctx context.Context, data []byte) (out Signals) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Evidence extraction panicked")
			out = Signals{}
		}
	}()

	if len(data) == 0 || len(data) > maxImageBytes {
		return Signals{}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		log.Debug().Err(err).Int("bytes", len(data)).Msg("Evidence is not a decodable image")
		return Signals{}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxImagePixels {
		log.Warn().Int("width", cfg.Width).Int("height", cfg.Height).Msg("Evidence image dimensions exceed the decode budget")
		return Signals{}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		log.Debug().Err(err).Int("bytes", len(data)).Msg("Evidence is not a decodable image")
		return Signals{}
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	var (
		mu            sync.Mutex
		text, payload string
		hash          string
	)
	g, gctx := errgroup.WithContext(ctx)
	if x.ocr != nil {
		g.Go(guard("ocr", func() error {
			t, err := x.ocr.Recognize(gctx, data)
			if err != nil {
				log.Debug().Err(err).Str("format", format).Msg("OCR produced no text")
				return nil
			}
			mu.Lock()
			text = t
			mu.Unlock()
			return nil
		}))
	}
	g.Go(guard("qr", func() error {
		p, err := decodeQR(img)
		if err != nil {
			return nil
		}
		mu.Lock()
		payload = p
		mu.Unlock()
		return nil
	}))
	g.Go(guard("phash", func() error {
		h, err := goimagehash.PerceptionHash(img)
		if err != nil {
			log.Debug().Err(err).Msg("Perceptual hash failed")
			return nil
		}
		mu.Lock()
		hash = h.ToString()
		mu.Unlock()
		return nil
	}))

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	incomplete := false
	select {
	case <-done:
	case <-ctx.Done():
		incomplete = true
		log.Warn().Dur("timeout", x.timeout).Msg("Evidence extraction timed out")
	}

	mu.Lock()
	s := x.fromText(text, payload)
	s.PerceptualHash = hash
	mu.Unlock()
	s.Incomplete = incomplete
	return s
}

// guard converts a panic in one extraction step into an empty result.
func guard(step string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("step", step).Interface("panic", r).Msg("Evidence extraction step panicked")
				err = nil
			}
		}()
		return fn()
	}
}

func decodeQR(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("binarize image: %w", err)
	}
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	result, err := qrcode.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return "", err
	}
	return result.GetText(), nil
}

// HashImage computes the perceptual hash string of an encoded image, for
// configuring the reference payment code.
func HashImage(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return "", fmt.Errorf("perception hash: %w", err)
	}
	return h.ToString(), nil
}

// HashDistance returns the Hamming distance between two hash strings.
func HashDistance(a, b string) (int, error) {
	ha, err := goimagehash.ImageHashFromString(a)
	if err != nil {
		return 0, fmt.Errorf("parse hash %q: %w", a, err)
	}
	hb, err := goimagehash.ImageHashFromString(b)
	if err != nil {
		return 0, fmt.Errorf("parse hash %q: %w", b, err)
	}
	return ha.Distance(hb)
}
