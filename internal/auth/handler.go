package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store"
	userentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

const maxBodyBytes = 1 << 20

// Handler exposes the auth flows over HTTP.
type Handler struct {
	svc      *Service
	validate *validator.Validate
	logger   *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, validate: validator.New(), logger: logger}
}

// RegisterRequest body for POST /auth/register.
type RegisterRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Phone    string `json:"phone" validate:"required,e164"`
	Password string `json:"password" validate:"required,max=256"`
}

// UserResponse is the public view of an account; the password hash never
// leaves the service.
type UserResponse struct {
	UserID          string    `json:"user_id"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	Phone           string    `json:"phone"`
	IsPhoneVerified bool      `json:"is_phone_verified"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newUserResponse(u *userentity.User) UserResponse {
	return UserResponse{
		UserID:          u.ID,
		Name:            u.Name,
		Email:           u.Email,
		Phone:           u.Phone,
		IsPhoneVerified: u.IsPhoneVerified,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.svc.Register(r.Context(), RegisterInput(req))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrEmailTaken):
			h.writeError(w, http.StatusBadRequest, "Email already registered")
		case errors.Is(err, store.ErrPhoneTaken):
			h.writeError(w, http.StatusBadRequest, "Phone number already registered")
		case errors.Is(err, store.ErrConflict):
			h.writeError(w, http.StatusBadRequest, "registration conflict")
		default:
			h.logger.Errorw("register failed", "err", err)
			h.writeError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, newUserResponse(u))
}

// LoginRequest body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	pair, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.writeError(w, http.StatusUnauthorized, "Incorrect email or password")
			return
		}
		h.logger.Errorw("login failed", "err", err)
		h.writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	h.writeJSON(w, http.StatusOK, pair)
}

// RequestOTP handles POST /auth/otp/request?email=. The code itself is never
// part of the response.
func (h *Handler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if err := h.validate.Var(email, "required,email"); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid email")
		return
	}
	_, err := h.svc.RequestPhoneOTP(r.Context(), email)
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, "User not found")
		case errors.Is(err, otp.ErrDispatch):
			h.writeError(w, http.StatusBadGateway, "could not send OTP")
		default:
			h.logger.Errorw("otp request failed", "err", err)
			h.writeError(w, http.StatusInternalServerError, "otp request failed")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "OTP sent successfully"})
}

// VerifyOTP handles POST /auth/otp/verify?email=&otp_code=.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := strings.TrimSpace(q.Get("email"))
	code := strings.TrimSpace(q.Get("otp_code"))
	if err := h.validate.Var(email, "required,email"); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid email")
		return
	}
	err := h.svc.VerifyPhoneOTP(r.Context(), email, code)
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, "User not found")
		case errors.Is(err, otp.ErrInvalid):
			h.writeError(w, http.StatusBadRequest, "Invalid or expired OTP")
		default:
			h.logger.Errorw("otp verify failed", "err", err)
			h.writeError(w, http.StatusInternalServerError, "otp verification failed")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Phone number verified successfully"})
}

// RefreshRequest body for POST /auth/token/refresh and POST /auth/logout.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			h.writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		h.logger.Errorw("refresh failed", "err", err)
		h.writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	h.writeJSON(w, http.StatusOK, pair)
}

// Logout always answers 200 so callers cannot probe which tokens are live.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err == nil && req.RefreshToken != "" {
		if err := h.svc.Logout(r.Context(), req.RefreshToken); err != nil {
			h.logger.Warnw("logout failed", "err", err)
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if len(auth) < len("bearer ") || !strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		w.Header().Set("WWW-Authenticate", "Bearer")
		h.writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	u, err := h.svc.Authenticate(r.Context(), strings.TrimSpace(auth[len("bearer "):]))
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		h.logger.Errorw("authenticate failed", "err", err)
		h.writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}
	h.writeJSON(w, http.StatusOK, newUserResponse(u))
}

// decode reads a JSON body into v and validates it, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return "invalid payload"
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "email":
			msgs = append(msgs, "invalid email format")
		case "e164":
			msgs = append(msgs, field+" must be in international format (e.g. +15550000)")
		case "max":
			msgs = append(msgs, field+" must be at most "+fe.Param()+" characters")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, ", ")
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
