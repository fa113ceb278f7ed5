package qrcode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	goqrcode "github.com/skip2/go-qrcode"
)

// EncodeOptions controls the rendered image.
type EncodeOptions struct {
	Size   int    // output edge in pixels
	Margin int    // quiet zone in modules
	Level  string // error correction: L, M, Q or H
}

var (
	// OptionsScreen suits badges displayed on phones.
	OptionsScreen = EncodeOptions{Size: 300, Margin: 4, Level: "M"}
	// OptionsPrint trades density for damage tolerance on printed cards.
	OptionsPrint = EncodeOptions{Size: 600, Margin: 4, Level: "H"}
)

// Encoded is a signed payload and its PNG rendering.
type Encoded struct {
	Payload string `json:"payload"`
	PNG     []byte `json:"-"`
}

// Encode signs id in the standard shape and renders it. Output is
// deterministic for a fixed IssuedAt; a zero IssuedAt takes the codec clock.
func (c *Codec) Encode(id Identity, opts EncodeOptions) (Encoded, error) {
	if id.SubjectID == "" || id.Name == "" || id.Group == "" || id.Subgroup == "" {
		return Encoded{}, errors.New("encode: identity requires id, name, group and subgroup")
	}
	level, err := recoveryLevel(opts.Level)
	if err != nil {
		return Encoded{}, err
	}

	issued := id.IssuedAt
	if issued.IsZero() {
		issued = c.now()
	}

	fields := map[string]any{
		"id":       id.SubjectID,
		"name":     id.Name,
		"class":    id.Group,
		"section":  id.Subgroup,
		"issuedAt": issued.UTC().Format(time.RFC3339),
	}
	if id.ExpiresAt != nil {
		fields["expiresAt"] = id.ExpiresAt.UTC().Format(time.RFC3339)
	}
	fields[digestField] = c.Sign(fields)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return Encoded{}, fmt.Errorf("encode payload: %w", err)
	}
	payload := strings.TrimRight(buf.String(), "\n")

	png, err := render(payload, level, opts)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Payload: payload, PNG: png}, nil
}

func recoveryLevel(level string) (goqrcode.RecoveryLevel, error) {
	switch strings.ToUpper(level) {
	case "L":
		return goqrcode.Low, nil
	case "", "M":
		return goqrcode.Medium, nil
	case "Q":
		return goqrcode.High, nil
	case "H":
		return goqrcode.Highest, nil
	default:
		return 0, fmt.Errorf("encode: unknown error correction level %q", level)
	}
}

// render draws the module bitmap with the requested quiet zone, then scales
// to the exact pixel size with nearest-neighbour sampling.
func render(payload string, level goqrcode.RecoveryLevel, opts EncodeOptions) ([]byte, error) {
	q, err := goqrcode.New(payload, level)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	q.DisableBorder = true
	bitmap := q.Bitmap()

	margin := opts.Margin
	if margin < 0 {
		margin = 0
	}
	modules := len(bitmap) + 2*margin
	size := opts.Size
	if size <= 0 {
		size = OptionsScreen.Size
	}
	scale := size / modules
	if scale < 1 {
		scale = 1
	}

	img := image.NewGray(image.Rect(0, 0, modules*scale, modules*scale))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	for y, row := range bitmap {
		for x, dark := range row {
			if !dark {
				continue
			}
			x0, y0 := (x+margin)*scale, (y+margin)*scale
			for dy := 0; dy < scale; dy++ {
				for dx := 0; dx < scale; dx++ {
					img.SetGray(x0+dx, y0+dy, color.Gray{Y: 0})
				}
			}
		}
	}

	var out image.Image = img
	if modules*scale != size {
		out = imaging.Resize(img, size, size, imaging.NearestNeighbor)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
