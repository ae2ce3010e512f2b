package storage

import (
	"fmt"
	"slices"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yecday/registration/internal/apperror"
	"github.com/yecday/registration/internal/model"
)

type FileKind string

const (
	FileKindProfileImage FileKind = "profile_image"
	FileKindPaymentSlip  FileKind = "payment_slip"
	FileKindChamberCard  FileKind = "chamber_card"
	FileKindBadge        FileKind = "badge"
)

const (
	MIMEPDF  = "application/pdf"
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"

	MB = 1 << 20
)

type UploadRule struct {
	Allowed []string
	MaxSize int64
}

var UploadRules = map[FileKind]UploadRule{
	FileKindPaymentSlip:  {Allowed: []string{MIMEPDF}, MaxSize: 10 * MB},
	FileKindProfileImage: {Allowed: []string{MIMEJPEG, MIMEPNG}, MaxSize: 5 * MB},
	FileKindChamberCard:  {Allowed: []string{MIMEPDF, MIMEJPEG, MIMEPNG}, MaxSize: 5 * MB},
}

// FileKindForDimension returns the upload that belongs to a review dimension.
func FileKindForDimension(dim model.Dimension) (FileKind, bool) {
	switch dim {
	case model.DimensionPayment:
		return FileKindPaymentSlip, true
	case model.DimensionProfile:
		return FileKindProfileImage, true
	case model.DimensionTCC:
		return FileKindChamberCard, true
	}
	return "", false
}

// ValidateUpload checks size and sniffed content type against the rule for kind.
// declaredSize is the size reported by the client; a mismatch with the bytes
// received is rejected. It returns the detected MIME type.
func ValidateUpload(kind FileKind, data []byte, declaredSize int64) (string, error) {
	rule, ok := UploadRules[kind]
	if !ok {
		return "", apperror.Validation("unsupported upload kind %q", kind)
	}
	if len(data) == 0 {
		return "", apperror.Validation("%s is empty", kind)
	}
	if declaredSize > 0 && declaredSize != int64(len(data)) {
		return "", apperror.Validation("%s size does not match the uploaded content", kind)
	}
	if int64(len(data)) > rule.MaxSize {
		return "", apperror.Validation("%s exceeds the %s limit", kind, formatSize(rule.MaxSize))
	}

	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		if slices.Contains(rule.Allowed, m.String()) {
			return m.String(), nil
		}
	}
	return "", apperror.Validation("%s must be one of %v, got %s", kind, rule.Allowed, detected.String())
}

func formatSize(n int64) string {
	return fmt.Sprintf("%dMB", n/MB)
}
