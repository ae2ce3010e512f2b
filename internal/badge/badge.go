package badge

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"log/slog"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/storage"
)

const (
	width  = 600
	height = 900
	photo  = 280
)

var (
	navy  = color.NRGBA{0x0b, 0x3d, 0x91, 0xff}
	white = color.NRGBA{0xff, 0xff, 0xff, 0xff}
	ink   = color.NRGBA{0x1f, 0x29, 0x33, 0xff}
	muted = color.NRGBA{0x7b, 0x87, 0x94, 0xff}
)

// Renderer draws the PNG badge handed to approved attendees.
type Renderer struct {
	logger *slog.Logger
	store  storage.Storage
}

func NewRenderer(logger *slog.Logger, store storage.Storage) *Renderer {
	return &Renderer{logger: logger, store: store}
}

// Render returns the badge as PNG bytes. A missing or unreadable profile
// photo falls back to the registration code initials block.
func (r *Renderer) Render(ctx context.Context, reg model.Registration) ([]byte, error) {
	var face image.Image
	if reg.ProfileImageKey != "" && r.store != nil {
		img, err := r.loadPhoto(ctx, reg.ProfileImageKey)
		if err != nil {
			r.logger.WarnContext(ctx, "Badge rendered without profile photo",
				"registration_id", reg.ID,
				"error", err)
		} else {
			face = img
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, Compose(reg, face), imaging.PNG); err != nil {
		return nil, fmt.Errorf("badge: failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) loadPhoto(ctx context.Context, key string) (image.Image, error) {
	rc, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	img, err := imaging.Decode(io.LimitReader(rc, 10<<20), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("badge: failed to decode profile photo: %w", err)
	}
	return img, nil
}

// Compose lays out the badge. face may be nil.
func Compose(reg model.Registration, face image.Image) *image.NRGBA {
	canvas := imaging.New(width, height, white)

	header := imaging.New(width, 160, navy)
	canvas = imaging.Paste(canvas, header, image.Pt(0, 0))
	canvas = drawText(canvas, "YEC DAY", 60, white, 5)

	var portrait *image.NRGBA
	if face != nil {
		portrait = imaging.Fill(face, photo, photo, imaging.Center, imaging.Lanczos)
	} else {
		portrait = imaging.New(photo, photo, muted)
		portrait = drawText(portrait, initials(reg), photo/2-26, white, 4)
	}
	canvas = imaging.Paste(canvas, portrait, image.Pt((width-photo)/2, 200))

	y := 200 + photo + 50
	if nick := strings.TrimSpace(reg.Applicant.Nickname); nick != "" {
		canvas = drawText(canvas, nick, y, ink, 4)
		y += 70
	}
	canvas = drawText(canvas, reg.Applicant.FullName(), y, ink, 3)
	y += 55
	if company := strings.TrimSpace(reg.Applicant.CompanyName); company != "" {
		canvas = drawText(canvas, company, y, muted, 2)
		y += 40
	}
	if province := strings.TrimSpace(reg.Applicant.Province); province != "" {
		canvas = drawText(canvas, province, y, muted, 2)
	}

	footer := imaging.New(width, 90, navy)
	canvas = imaging.Paste(canvas, footer, image.Pt(0, height-90))
	canvas = drawText(canvas, reg.RegistrationCode, height-70, white, 3)

	return canvas
}

// drawText renders s with the 7x13 bitmap face, scales it up and centers it
// horizontally at top y.
func drawText(dst *image.NRGBA, s string, y int, c color.Color, scale int) *image.NRGBA {
	if s == "" {
		return dst
	}
	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	w := d.MeasureString(s).Ceil()
	h := face.Metrics().Height.Ceil()

	line := image.NewNRGBA(image.Rect(0, 0, w, h))
	d.Dst = line
	d.Src = image.NewUniform(c)
	d.Dot = fixed.Point26_6{X: 0, Y: face.Metrics().Ascent}
	d.DrawString(s)

	scaled := imaging.Resize(line, w*scale, h*scale, imaging.NearestNeighbor)
	maxW := dst.Bounds().Dx() - 40
	if scaled.Bounds().Dx() > maxW {
		scaled = imaging.Resize(scaled, maxW, 0, imaging.Lanczos)
	}
	x := (dst.Bounds().Dx() - scaled.Bounds().Dx()) / 2

	out := imaging.Clone(dst)
	draw.Draw(out, scaled.Bounds().Add(image.Pt(x, y)), scaled, image.Point{}, draw.Over)
	return out
}

func initials(reg model.Registration) string {
	var out []rune
	for _, part := range []string{reg.Applicant.FirstName, reg.Applicant.LastName} {
		for _, r := range strings.TrimSpace(part) {
			if r < 128 {
				out = append(out, r)
			}
			break
		}
	}
	if len(out) == 0 {
		return "YEC"
	}
	return strings.ToUpper(string(out))
}
