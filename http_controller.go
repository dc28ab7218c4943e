package onboard

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
)

const (
	MessageOTPSent             = "OTP sent to email"
	MessageRegistered          = "Registration successful. Await admin approval."
	MessageApproved            = "User approved successfully"
	MessageRegistrationPartial = "Account created but registration could not be completed, contact an administrator"
)

// ControllerRoutes holds the paths served by Controller.
type ControllerRoutes struct {
	RequestOTP   string
	VerifyOTP    string
	Login        string
	Approve      string
	PendingUsers string
	Me           string
}

// Controller exposes the onboarding flow over HTTP.
type Controller struct {
	Debug        bool
	Logger       Logger
	Routes       *ControllerRoutes
	OTP          *OTPChallenge
	Registrar    *Registrar
	Evaluator    *Evaluator
	Gate         *ApprovalGate
	Authorizer   Authorizer
	ErrorHandler fiber.ErrorHandler
}

type ControllerOption func(*Controller) *Controller

func WithControllerLogger(logger Logger) ControllerOption {
	return func(c *Controller) *Controller {
		c.Logger = normalizeLogger(logger)
		return c
	}
}

func WithControllerDebug(debug bool) ControllerOption {
	return func(c *Controller) *Controller {
		c.Debug = debug
		return c
	}
}

// WithControllerAuthorizer replaces the rule guarding admin routes.
func WithControllerAuthorizer(authz Authorizer) ControllerOption {
	return func(c *Controller) *Controller {
		if authz != nil {
			c.Authorizer = authz
		}
		return c
	}
}

func WithControllerRoutes(routes *ControllerRoutes) ControllerOption {
	return func(c *Controller) *Controller {
		if routes != nil {
			c.Routes = routes
		}
		return c
	}
}

// NewController creates a Controller. All collaborators are required.
func NewController(otp *OTPChallenge, registrar *Registrar, evaluator *Evaluator, gate *ApprovalGate, opts ...ControllerOption) *Controller {
	c := &Controller{
		Logger:     defLogger{},
		OTP:        otp,
		Registrar:  registrar,
		Evaluator:  evaluator,
		Gate:       gate,
		Authorizer: DefaultAuthorizer,
		Routes: &ControllerRoutes{
			RequestOTP:   "/request-otp",
			VerifyOTP:    "/verify-otp",
			Login:        "/login",
			Approve:      "/admin/users/:id/approve",
			PendingUsers: "/admin/users/pending",
			Me:           "/me",
		},
	}
	c.ErrorHandler = c.defaultErrHandler

	for _, opt := range opts {
		c = opt(c)
	}

	if c.OTP == nil || c.Registrar == nil || c.Evaluator == nil || c.Gate == nil {
		panic("Missing collaborators in onboard controller...")
	}

	return c
}

// RegisterRoutes mounts the public and admin routes. authenticate must
// place session claims in the request context, see WithClaimsContext.
func (h *Controller) RegisterRoutes(app fiber.Router, authenticate fiber.Handler) {
	app.Post(h.Routes.RequestOTP, h.RequestOTP)
	app.Post(h.Routes.VerifyOTP, h.VerifyOTP)
	app.Post(h.Routes.Login, h.Login)

	app.Get(h.Routes.Me, authenticate, h.Me)

	admin := RequireAdmin(h.Authorizer, h.ErrorHandler)
	app.Post(h.Routes.Approve, authenticate, admin, h.Approve)
	app.Get(h.Routes.PendingUsers, authenticate, admin, h.PendingUsers)
}

func (h *Controller) RequestOTP(c *fiber.Ctx) error {
	payload := new(RequestOTPMessage)
	if err := c.BodyParser(payload); err != nil {
		return h.ErrorHandler(c, Annotate(ErrValidation, "malformed request body", nil))
	}

	if h.Debug {
		h.Logger.Debug("request otp for %s", print.MaybePrettyJSON(map[string]any{
			"email":      payload.Email,
			"department": payload.Department,
		}))
	}

	if err := h.OTP.RequestOTP(c.UserContext(), *payload); err != nil {
		return h.ErrorHandler(c, err)
	}

	return c.JSON(fiber.Map{"message": MessageOTPSent})
}

func (h *Controller) VerifyOTP(c *fiber.Ctx) error {
	payload := new(VerifyOTPMessage)
	if err := c.BodyParser(payload); err != nil {
		return h.ErrorHandler(c, Annotate(ErrValidation, "malformed request body", nil))
	}

	result, err := h.Registrar.Execute(c.UserContext(), *payload)
	if err != nil {
		if result != nil && result.Incomplete {
			h.Logger.Error("registration incomplete for %s: %v", payload.Email, err)
			return c.Status(http.StatusBadGateway).JSON(fiber.Map{"error": MessageRegistrationPartial})
		}
		return h.ErrorHandler(c, err)
	}

	return c.JSON(fiber.Map{"message": MessageRegistered})
}

func (h *Controller) Login(c *fiber.Ctx) error {
	payload := new(LoginRequest)
	if err := c.BodyParser(payload); err != nil {
		return h.ErrorHandler(c, Annotate(ErrValidation, "malformed request body", nil))
	}

	if err := payload.Validate(); err != nil {
		return h.ErrorHandler(c, validationError(err))
	}

	result, err := h.Evaluator.Login(c.UserContext(), payload.Email, payload.Password)
	if err != nil {
		return h.ErrorHandler(c, err)
	}

	return c.JSON(fiber.Map{
		"token":      result.Token,
		"expires_at": result.ExpiresAt,
		"id":         result.Identity.ID,
		"role":       result.Claims.Role,
		"department": result.Claims.Department,
	})
}

func (h *Controller) Approve(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return h.ErrorHandler(c, Annotate(ErrValidation, "identity id required", nil))
	}

	actor := ActorRef{Type: "admin"}
	if claims, ok := ClaimsFromContext(c.UserContext()); ok {
		actor.ID = claims.Subject()
	}

	profile, err := h.Gate.Approve(c.UserContext(), actor, id)
	if err != nil {
		if errors.Is(err, ErrAlreadyActive) {
			return c.JSON(fiber.Map{"message": ErrAlreadyActive.Message, "status": StatusActive})
		}
		return h.ErrorHandler(c, err)
	}

	return c.JSON(fiber.Map{"message": MessageApproved, "status": profile.Status})
}

func (h *Controller) PendingUsers(c *fiber.Ctx) error {
	profiles, err := h.Gate.ListPending(c.UserContext())
	if err != nil {
		return h.ErrorHandler(c, err)
	}
	return c.JSON(fiber.Map{"users": profiles})
}

func (h *Controller) Me(c *fiber.Ctx) error {
	claims, ok := ClaimsFromContext(c.UserContext())
	if !ok {
		return h.ErrorHandler(c, ErrUnauthenticated)
	}
	return c.JSON(fiber.Map{
		"id":         claims.Subject(),
		"email":      claims.Email,
		"role":       claims.Role,
		"department": claims.Department,
	})
}

// RequireRoles rejects requests whose session claims are not authorized for
// allowed. Missing claims yield 401, denied claims 403.
func RequireRoles(errorHandler fiber.ErrorHandler, allowed ...string) fiber.Handler {
	return RequireAuthorized(DefaultAuthorizer, errorHandler, allowed...)
}

// RequireAuthorized is RequireRoles evaluated by authz.
func RequireAuthorized(authz Authorizer, errorHandler fiber.ErrorHandler, allowed ...string) fiber.Handler {
	if errorHandler == nil {
		errorHandler = WriteError
	}
	return func(c *fiber.Ctx) error {
		if err := CanWith(c.UserContext(), authz, allowed...); err != nil {
			return errorHandler(c, err)
		}
		return c.Next()
	}
}

// RequireAdmin admits requests whose claims carry RoleAdmin, see CanAdmin.
func RequireAdmin(authz Authorizer, errorHandler fiber.ErrorHandler) fiber.Handler {
	if errorHandler == nil {
		errorHandler = WriteError
	}
	return func(c *fiber.Ctx) error {
		if err := CanAdmin(c.UserContext(), authz); err != nil {
			return errorHandler(c, err)
		}
		return c.Next()
	}
}

// StatusForError maps err onto an HTTP status code.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrProvider):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}

	if sentinel, ok := Known(err); ok && sentinel.Code > 0 {
		return sentinel.Code
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.Code > 0 {
		return richErr.Code
	}
	return http.StatusInternalServerError
}

// MessageForError returns a short message safe to show to users.
func MessageForError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrValidation) {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) && richErr.Message != "" {
			return richErr.Message
		}
	}
	if sentinel, ok := Known(err); ok {
		return sentinel.Message
	}
	return "An unexpected server error occurred"
}

// WriteError renders err as {"error": message}.
func WriteError(c *fiber.Ctx, err error) error {
	return c.Status(StatusForError(err)).JSON(fiber.Map{
		"error": MessageForError(err),
		"code":  TextCode(err),
	})
}

func (h *Controller) defaultErrHandler(c *fiber.Ctx, err error) error {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && h.Debug {
		h.Logger.Debug("request error %s %s: %s", c.Method(), c.Path(), print.MaybePrettyJSON(map[string]any{
			"message":  richErr.Message,
			"category": richErr.Category,
			"metadata": richErr.Metadata,
		}))
	}
	if StatusForError(err) >= http.StatusInternalServerError {
		h.Logger.Error("request %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return WriteError(c, err)
}
