package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/yecday/registration/internal/account"
	"github.com/yecday/registration/internal/apperror"
	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/rbac"
	"github.com/yecday/registration/internal/review"
	"github.com/yecday/registration/internal/util"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type dimensionRequest struct {
	Dimension string `json:"dimension" validate:"required,dimension"`
	Notes     string `json:"notes" validate:"max=2000"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type createUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Role     string `json:"role" validate:"required,admin_role"`
	Password string `json:"password" validate:"required,min=10"`
	IsActive *bool  `json:"is_active"`
}

type updateUserRequest struct {
	Role     *string `json:"role" validate:"omitempty,admin_role"`
	IsActive *bool   `json:"is_active"`
	Password *string `json:"password" validate:"omitempty,min=10"`
}

func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := h.parse(c, &req); err != nil {
		return err
	}

	result, err := h.svc.Authenticator.Login(ctxOf(c), account.LoginParam{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		return err
	}

	return respond(c, fiber.StatusOK, fiber.Map{
		"token":      result.Token,
		"expires_at": result.ExpiresAt,
		"admin":      result.Admin,
	})
}

func (h *Handler) Me(c *fiber.Ctx) error {
	admin := currentAdmin(c)
	return respond(c, fiber.StatusOK, fiber.Map{
		"admin":                   admin,
		"dimensions":              h.svc.Authorizer.Dimensions(admin),
		"can_approve":             h.svc.Authorizer.CanApprove(admin),
		"can_see_management_menu": rbac.CanSeeManagementMenu(admin, h.opts.Flags),
	})
}

func (h *Handler) ListRegistrations(c *fiber.Ctx) error {
	filter := review.ListFilter{
		Limit:  c.QueryInt("limit"),
		Offset: c.QueryInt("offset"),
	}
	if s := c.Query("status"); s != "" {
		status, err := model.RegistrationStatusFromString(s)
		if err != nil {
			return apperror.Validation("unknown status %q", s)
		}
		filter.Status = util.Some(status)
	}
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		filter.Search = util.Some(q)
	}

	regs, err := h.svc.Reviews.List(ctxOf(c), filter)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, fiber.Map{"registrations": regs})
}

func (h *Handler) GetRegistration(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	ctx := ctxOf(c)

	reg, err := h.svc.Reviews.Get(ctx, id)
	if err != nil {
		return err
	}
	files, err := h.svc.Reviews.SignedFiles(ctx, reg, h.opts.SignedURLTTL)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, fiber.Map{"registration": reg, "files": files})
}

func (h *Handler) RequestUpdate(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req dimensionRequest
	if err := h.parse(c, &req); err != nil {
		return err
	}

	reg, err := h.svc.Reviews.RequestUpdate(ctxOf(c), id, model.Dimension(req.Dimension), req.Notes, currentAdmin(c))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, fiber.Map{"registration": reg})
}

func (h *Handler) MarkPass(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req dimensionRequest
	if err := h.parse(c, &req); err != nil {
		return err
	}

	reg, err := h.svc.Reviews.MarkPass(ctxOf(c), id, model.Dimension(req.Dimension), req.Notes, currentAdmin(c))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, fiber.Map{"registration": reg})
}

func (h *Handler) Approve(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}

	reg, err := h.svc.Reviews.Approve(ctxOf(c), id, currentAdmin(c))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, fiber.Map{"registration": reg})
}

func (h *Handler) Reject(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := h.parse(c, &req); err != nil {
		return err
	}

	reg, err := h.svc.Reviews.Reject(ctxOf(c), id, req.Reason, currentAdmin(c))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, fiber.Map{"registration": reg})
}

func (h *Handler) Audit(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}

	events, err := h.svc.Reviews.History(ctxOf(c), id, c.QueryInt("limit"))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, fiber.Map{"events": events})
}

func (h *Handler) Dashboard(c *fiber.Ctx) error {
	dashboard, err := h.svc.Reviews.Dashboard(ctxOf(c))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, fiber.Map{"dashboard": dashboard})
}

func (h *Handler) OutboxStats(c *fiber.Ctx) error {
	if !h.svc.Authorizer.CanApprove(currentAdmin(c)) {
		return apperror.Forbidden("outbox statistics are restricted to super admins")
	}
	stats, err := h.svc.Dispatcher.Stats(ctxOf(c))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, fiber.Map{"outbox": stats})
}

func (h *Handler) ListUsers(c *fiber.Ctx) error {
	users, err := h.svc.Accounts.List(ctxOf(c), currentAdmin(c))
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, fiber.Map{"users": users})
}

func (h *Handler) CreateUser(c *fiber.Ctx) error {
	var req createUserRequest
	if err := h.parse(c, &req); err != nil {
		return err
	}

	user, err := h.svc.Accounts.Create(ctxOf(c), currentAdmin(c), account.CreateParam{
		Email:    req.Email,
		Role:     model.AdminRole(req.Role),
		Password: req.Password,
		IsActive: req.IsActive == nil || *req.IsActive,
	})
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusCreated, fiber.Map{"user": user})
}

func (h *Handler) UpdateUser(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req updateUserRequest
	if err := h.parse(c, &req); err != nil {
		return err
	}

	param := account.UpdateParam{
		IsActive: util.FromPtr(req.IsActive),
		Password: util.FromPtr(req.Password),
	}
	if req.Role != nil {
		param.Role = util.Some(model.AdminRole(*req.Role))
	}

	user, err := h.svc.Accounts.Update(ctxOf(c), currentAdmin(c), id, param)
	if err != nil {
		return err
	}
	return respond(c, fiber.StatusOK, fiber.Map{"user": user})
}
