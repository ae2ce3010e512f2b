package validator

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yecday/registration/internal/apperror"
	"github.com/yecday/registration/internal/model"
)

var disposableEmailDomains = []string{
	"10minutemail.com", "guerrillamail.com", "mailinator.com", "tempmail.org",
	"yopmail.com", "maildrop.cc", "temp-mail.org", "throwaway.email",
}

// Thai numbers: 0 followed by 8 or 9 digits, or +66 followed by 8 or 9 digits.
var thaiPhone = regexp.MustCompile(`^(0|\+66)[1-9][0-9]{7,8}$`)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})

	_ = v.RegisterValidation("dimension", validateDimension)
	_ = v.RegisterValidation("admin_role", validateAdminRole)
	_ = v.RegisterValidation("thai_phone", validateThaiPhone)
	_ = v.RegisterValidation("no_disposable_email", validateNoDisposableEmail)

	return &Validator{validate: v}
}

// Validate checks i against its validate tags. Failures come back as an
// apperror.Validation naming every offending field.
func (v *Validator) Validate(i any) error {
	err := v.validate.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validator: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, message(fe))
	}
	return apperror.Validation("%s", strings.Join(msgs, "; "))
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email address"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "dimension":
		return fe.Field() + " must be one of payment, profile, tcc"
	case "admin_role":
		return fe.Field() + " must be a known admin role"
	case "thai_phone":
		return fe.Field() + " must be a Thai phone number"
	case "no_disposable_email":
		return fe.Field() + " must not use a disposable email provider"
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

func validateDimension(fl validator.FieldLevel) bool {
	_, err := model.DimensionFromString(fl.Field().String())
	return err == nil
}

func validateAdminRole(fl validator.FieldLevel) bool {
	_, err := model.AdminRoleFromString(fl.Field().String())
	return err == nil
}

func validateThaiPhone(fl validator.FieldLevel) bool {
	phone := strings.NewReplacer(" ", "", "-", "").Replace(fl.Field().String())
	return thaiPhone.MatchString(phone)
}

func validateNoDisposableEmail(fl validator.FieldLevel) bool {
	email := fl.Field().String()
	emailParts := strings.Split(email, "@")
	if len(emailParts) != 2 {
		return false
	}

	domain := strings.ToLower(emailParts[1])
	for _, disposableDomain := range disposableEmailDomains {
		if domain == disposableDomain {
			return false
		}
	}

	return true
}
