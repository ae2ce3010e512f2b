package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/yecday/registration/internal/apperror"
	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/review"
	"github.com/yecday/registration/internal/storage"
	"github.com/yecday/registration/internal/util"
)

type submitRequest struct {
	FirstName    string `form:"first_name" validate:"required,max=100"`
	LastName     string `form:"last_name" validate:"required,max=100"`
	Nickname     string `form:"nickname" validate:"max=50"`
	Email        string `form:"email" validate:"required,email,max=254,no_disposable_email"`
	Phone        string `form:"phone" validate:"required,thai_phone"`
	LineID       string `form:"line_id" validate:"max=50"`
	CompanyName  string `form:"company_name" validate:"required,max=200"`
	BusinessType string `form:"business_type" validate:"required,max=100"`
	Province     string `form:"province" validate:"required,max=100"`
}

func (r submitRequest) applicant() model.Applicant {
	return model.Applicant{
		FirstName:    strings.TrimSpace(r.FirstName),
		LastName:     strings.TrimSpace(r.LastName),
		Nickname:     strings.TrimSpace(r.Nickname),
		Email:        strings.ToLower(strings.TrimSpace(r.Email)),
		Phone:        strings.TrimSpace(r.Phone),
		LineID:       strings.TrimSpace(r.LineID),
		CompanyName:  strings.TrimSpace(r.CompanyName),
		BusinessType: strings.TrimSpace(r.BusinessType),
		Province:     strings.TrimSpace(r.Province),
	}
}

type resubmitRequest struct {
	Token        string  `form:"token" validate:"required"`
	FirstName    *string `form:"first_name" validate:"omitempty,max=100"`
	LastName     *string `form:"last_name" validate:"omitempty,max=100"`
	Nickname     *string `form:"nickname" validate:"omitempty,max=50"`
	Phone        *string `form:"phone" validate:"omitempty,thai_phone"`
	LineID       *string `form:"line_id" validate:"omitempty,max=50"`
	CompanyName  *string `form:"company_name" validate:"omitempty,max=200"`
	BusinessType *string `form:"business_type" validate:"omitempty,max=100"`
	Province     *string `form:"province" validate:"omitempty,max=100"`
}

// upload is a validated file waiting to be stored.
type upload struct {
	kind        storage.FileKind
	filename    string
	data        []byte
	contentType string
}

// readUpload reads and validates the multipart file of the given kind.
// Files larger than the rule allows are refused before they are read.
func readUpload(fh *multipart.FileHeader, kind storage.FileKind) (upload, error) {
	rule := storage.UploadRules[kind]
	if fh.Size > rule.MaxSize {
		return upload{}, apperror.Validation("%s is too large", kind)
	}

	f, err := fh.Open()
	if err != nil {
		return upload{}, fmt.Errorf("failed to open %s: %w", kind, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, rule.MaxSize+1))
	if err != nil {
		return upload{}, fmt.Errorf("failed to read %s: %w", kind, err)
	}
	contentType, err := storage.ValidateUpload(kind, data, fh.Size)
	if err != nil {
		return upload{}, err
	}
	return upload{kind: kind, filename: fh.Filename, data: data, contentType: contentType}, nil
}

func formFile(form *multipart.Form, kind storage.FileKind) *multipart.FileHeader {
	if files := form.File[string(kind)]; len(files) > 0 {
		return files[0]
	}
	return nil
}

// formValue returns nil for absent or blank fields so they count as unchanged.
func formValue(form *multipart.Form, key string) *string {
	if values := form.Value[key]; len(values) > 0 {
		if v := strings.TrimSpace(values[0]); v != "" {
			return &v
		}
	}
	return nil
}

// storeUploads puts every upload under the registration code and returns the
// keys by kind. On failure the objects already written are removed.
func (h *Handler) storeUploads(ctx context.Context, code string, uploads []upload) (map[storage.FileKind]string, error) {
	keys := make(map[storage.FileKind]string, len(uploads))
	for _, u := range uploads {
		key := storage.ObjectKey(code, u.kind, u.filename)
		if _, err := h.svc.Storage.Put(ctx, key, u.data, u.contentType); err != nil {
			h.removeObjects(ctx, keys)
			return nil, fmt.Errorf("failed to store %s: %w", u.kind, err)
		}
		keys[u.kind] = key
	}
	return keys, nil
}

func (h *Handler) removeObjects(ctx context.Context, keys map[storage.FileKind]string) {
	for _, key := range keys {
		if err := h.svc.Storage.Delete(ctx, key); err != nil {
			h.logger.WarnContext(ctx, "Failed to remove orphaned upload", "key", key, "error", err)
		}
	}
}

// Submit handles the public registration form.
func (h *Handler) Submit(c *fiber.Ctx) error {
	ctx := ctxOf(c)

	var req submitRequest
	if err := h.parse(c, &req); err != nil {
		return err
	}
	form, err := c.MultipartForm()
	if err != nil {
		return apperror.Validation("expected a multipart form")
	}

	kinds := []storage.FileKind{storage.FileKindProfileImage, storage.FileKindPaymentSlip, storage.FileKindChamberCard}
	uploads := make([]upload, 0, len(kinds))
	for _, kind := range kinds {
		fh := formFile(form, kind)
		if fh == nil {
			return apperror.Validation("%s is required", kind)
		}
		u, err := readUpload(fh, kind)
		if err != nil {
			return err
		}
		uploads = append(uploads, u)
	}

	code, err := review.NewRegistrationCode()
	if err != nil {
		return err
	}
	keys, err := h.storeUploads(ctx, code, uploads)
	if err != nil {
		return err
	}

	reg, err := h.svc.Reviews.Submit(ctx, review.SubmitParam{
		RegistrationCode: code,
		Applicant:        req.applicant(),
		ProfileImageKey:  keys[storage.FileKindProfileImage],
		PaymentSlipKey:   keys[storage.FileKindPaymentSlip],
		ChamberCardKey:   keys[storage.FileKindChamberCard],
	})
	if err != nil {
		h.removeObjects(ctx, keys)
		return err
	}

	return respond(c, fiber.StatusCreated, fiber.Map{"registration_code": reg.RegistrationCode})
}

// Resubmit applies an applicant's corrections through a resubmission link.
func (h *Handler) Resubmit(c *fiber.Ctx) error {
	ctx := ctxOf(c)

	form, err := c.MultipartForm()
	if err != nil {
		return apperror.Validation("expected a multipart form")
	}
	req := resubmitRequest{
		FirstName:    formValue(form, "first_name"),
		LastName:     formValue(form, "last_name"),
		Nickname:     formValue(form, "nickname"),
		Phone:        formValue(form, "phone"),
		LineID:       formValue(form, "line_id"),
		CompanyName:  formValue(form, "company_name"),
		BusinessType: formValue(form, "business_type"),
		Province:     formValue(form, "province"),
	}
	if token := formValue(form, "token"); token != nil {
		req.Token = *token
	}
	if req.Token == "" {
		return apperror.InvalidToken(nil)
	}
	if err := h.validator.Validate(req); err != nil {
		return err
	}

	reg, dim, err := h.svc.Reviews.ResolveResubmit(ctx, req.Token)
	if err != nil {
		return err
	}

	// Only the document of the dimension under review is accepted; anything
	// else is left for Resubmit to refuse.
	var uploads []upload
	for _, kind := range []storage.FileKind{storage.FileKindProfileImage, storage.FileKindPaymentSlip, storage.FileKindChamberCard} {
		fh := formFile(form, kind)
		if fh == nil {
			continue
		}
		u, err := readUpload(fh, kind)
		if err != nil {
			return err
		}
		uploads = append(uploads, u)
	}

	keys, err := h.storeUploads(ctx, reg.RegistrationCode, uploads)
	if err != nil {
		return err
	}

	changes := review.Changes{
		Applicant: review.ApplicantChanges{
			FirstName:    util.FromPtr(req.FirstName),
			LastName:     util.FromPtr(req.LastName),
			Nickname:     util.FromPtr(req.Nickname),
			Phone:        util.FromPtr(req.Phone),
			LineID:       util.FromPtr(req.LineID),
			CompanyName:  util.FromPtr(req.CompanyName),
			BusinessType: util.FromPtr(req.BusinessType),
			Province:     util.FromPtr(req.Province),
		},
	}
	if key, ok := keys[storage.FileKindProfileImage]; ok {
		changes.ProfileImageKey = util.Some(key)
	}
	if key, ok := keys[storage.FileKindPaymentSlip]; ok {
		changes.PaymentSlipKey = util.Some(key)
	}
	if key, ok := keys[storage.FileKindChamberCard]; ok {
		changes.ChamberCardKey = util.Some(key)
	}

	if _, err := h.svc.Reviews.Resubmit(ctx, reg.ID, dim, changes, req.Token); err != nil {
		h.removeObjects(ctx, keys)
		return err
	}
	return respond(c, fiber.StatusOK, fiber.Map{"dimension": dim})
}
