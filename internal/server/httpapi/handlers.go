package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/dmitrijs2005/hwidauth/internal/common"
	"github.com/dmitrijs2005/hwidauth/internal/server/models"
	"github.com/dmitrijs2005/hwidauth/internal/server/repositories/licensekeys"
	"github.com/dmitrijs2005/hwidauth/internal/server/services"
)

const maxBodyBytes = 64 << 10

type registerRequest struct {
	UserName string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=256"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Hwid     string `json:"hwid" validate:"max=256"`
}

type loginRequest struct {
	UserName string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=256"`
	Hwid     string `json:"hwid" validate:"required,max=256"`
}

type tokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type resetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetCompleteRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,max=256"`
}

type activateRequest struct {
	Code string `json:"code" validate:"required,len=19"`
}

type generateRequest struct {
	Product  string `json:"product" validate:"required,max=64"`
	Duration string `json:"duration" validate:"required,oneof=1d 7d 30d 90d 365d lifetime"`
	Quantity int    `json:"quantity" validate:"required,min=1"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

type subscriptionRequest struct {
	Days int `json:"days" validate:"required,min=1,max=36500"`
}

type userResponse struct {
	UserName              string     `json:"username"`
	Email                 string     `json:"email"`
	Hwid                  string     `json:"hwid,omitempty"`
	RegisteredAt          time.Time  `json:"registered_at"`
	LastLoginAt           *time.Time `json:"last_login_at,omitempty"`
	SubscriptionExpiresAt int64      `json:"subscription_expires_at"`
	IsBanned              bool       `json:"is_banned"`
	BanReason             string     `json:"ban_reason,omitempty"`
}

func toUser(u *models.User) userResponse {
	out := userResponse{
		UserName:              u.UserName,
		Email:                 u.Email,
		Hwid:                  u.Hwid,
		RegisteredAt:          u.RegisteredAt,
		SubscriptionExpiresAt: u.SubscriptionExpiresAt,
		IsBanned:              u.IsBanned,
		BanReason:             u.BanReason,
	}
	if !u.LastLoginAt.IsZero() {
		t := u.LastLoginAt
		out.LastLoginAt = &t
	}
	return out
}

type keyResponse struct {
	Code          string     `json:"code"`
	Product       string     `json:"product"`
	Duration      string     `json:"duration"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	BoundUsername string     `json:"bound_username,omitempty"`
	BoundHwid     string     `json:"bound_hwid,omitempty"`
	BanReason     string     `json:"ban_reason,omitempty"`
}

func toKey(k *models.LicenseKey) keyResponse {
	return keyResponse{
		Code:          k.Code,
		Product:       k.Product,
		Duration:      string(k.Duration),
		Status:        string(k.Status),
		CreatedAt:     k.CreatedAt,
		ExpiresAt:     k.ExpiresAt,
		ActivatedAt:   k.ActivatedAt,
		BoundUsername: k.BoundUsername,
		BoundHwid:     k.BoundHwid,
		BanReason:     k.BanReason,
	}
}

func toKeys(keys []models.LicenseKey) []keyResponse {
	out := make([]keyResponse, 0, len(keys))
	for i := range keys {
		out = append(out, toKey(&keys[i]))
	}
	return out
}

type auditResponse struct {
	ID        string    `json:"id"`
	UserName  string    `json:"username,omitempty"`
	Action    string    `json:"action"`
	Source    string    `json:"source,omitempty"`
	Hwid      string    `json:"hwid,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toAudit(r *models.AuditRecord) auditResponse {
	return auditResponse{
		ID: r.ID, UserName: r.UserName, Action: string(r.Action), Source: r.Source, Hwid: r.Hwid,
		Subject: r.Subject, Success: r.Success, Reason: r.Reason, CreatedAt: r.CreatedAt,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. An error has already
// been written when it returns false.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	// An empty body decodes as the zero value and is left to validation.
	if err := render.DecodeJSON(r.Body, dst); err != nil && !errors.Is(err, io.EOF) {
		writeCode(w, r, http.StatusBadRequest, "malformed request body", "invalid_request")
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		msg := "invalid request"
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg = fmt.Sprintf("field %s failed %s", verrs[0].Field(), verrs[0].Tag())
		}
		writeCode(w, r, http.StatusBadRequest, msg, "invalid_request")
		return false
	}
	return true
}

func actor(r *http.Request) string {
	return "admin@" + sourceFrom(r.Context())
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", common.ErrorValidation, name)
	}
	return n, nil
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decode(w, r, &req) {
		return
	}
	u, err := a.auth.Register(r.Context(), services.RegisterRequest{
		UserName: req.UserName, Password: req.Password, Email: req.Email, Hwid: req.Hwid,
		Source: sourceFrom(r.Context()),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toUser(u))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.auth.Login(r.Context(), services.LoginRequest{
		UserName: req.UserName, Password: req.Password, Hwid: req.Hwid, Source: sourceFrom(r.Context()),
	})
	if err != nil {
		a.writeLoginError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"token":                   res.Token,
		"expires_at":              res.ExpiresAt,
		"subscription_expires_at": res.User.SubscriptionExpiresAt,
	})
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.auth.VerifySession(r.Context(), req.Token)
	if err != nil {
		a.writeTokenError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"username":   sess.UserName,
		"hwid":       sess.Hwid,
		"expires_at": sess.ExpiresAt,
	})
}

// handleResetRequest answers 202 whether or not the email is known.
func (a *API) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !a.decode(w, r, &req) {
		return
	}
	token, err := a.auth.RequestPasswordReset(r.Context(), req.Email, sourceFrom(r.Context()))
	switch {
	case err == nil:
		if err := a.notifier.NotifyReset(r.Context(), req.Email, token); err != nil {
			a.writeError(w, r, fmt.Errorf("%w: notify: %v", common.ErrorInternal, err))
			return
		}
	case errors.Is(err, common.ErrorNotFound):
	default:
		a.writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"status": "accepted"})
}

func (a *API) handleResetComplete(w http.ResponseWriter, r *http.Request) {
	var req resetCompleteRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.auth.CompletePasswordReset(r.Context(), req.Token, req.NewPassword, sourceFrom(r.Context())); err != nil {
		a.writeTokenError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleActivate binds a key to the identity carried by the session token.
func (a *API) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if !a.decode(w, r, &req) {
		return
	}
	sess := sessionFrom(r.Context())
	key, err := a.licenses.Activate(r.Context(), services.ActivateRequest{
		Code: strings.ToUpper(req.Code), UserName: sess.UserName, Hwid: sess.Hwid, Source: sourceFrom(r.Context()),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	render.JSON(w, r, toKey(key))
}

func (a *API) handleGenerateKeys(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !a.decode(w, r, &req) {
		return
	}
	keys, err := a.licenses.Generate(r.Context(), req.Product, models.Duration(req.Duration), req.Quantity, actor(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{"keys": toKeys(keys)})
}

func (a *API) handleListKeys(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	keys, err := a.licenses.List(r.Context(), licensekeys.Filter{
		Product:  q.Get("product"),
		UserName: q.Get("username"),
		Status:   models.KeyStatus(q.Get("status")),
	}, limit, offset)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"keys": toKeys(keys)})
}

func (a *API) handleKeyStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.licenses.Stats(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := map[string]any{
		"key":        toKey(st.Key),
		"successful": st.Successful,
		"failed":     st.Failed,
	}
	if st.LastEvent != nil {
		out["last_event"] = toAudit(st.LastEvent)
	}
	render.JSON(w, r, out)
}

func (a *API) handleKeyResetHwid(w http.ResponseWriter, r *http.Request) {
	a.noContent(w, r, a.licenses.ResetHwid(r.Context(), chi.URLParam(r, "code"), actor(r)))
}

func (a *API) handleKeyUnbind(w http.ResponseWriter, r *http.Request) {
	a.noContent(w, r, a.licenses.Unbind(r.Context(), chi.URLParam(r, "code"), actor(r)))
}

func (a *API) handleKeyBan(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.noContent(w, r, a.licenses.Ban(r.Context(), chi.URLParam(r, "code"), req.Reason, actor(r)))
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	users, err := a.admin.ListUsers(r.Context(), limit, offset)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for i := range users {
		out = append(out, toUser(&users[i]))
	}
	render.JSON(w, r, map[string]any{"users": out})
}

func (a *API) handleUserBan(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.noContent(w, r, a.admin.BanUser(r.Context(), chi.URLParam(r, "username"), req.Reason, actor(r)))
}

func (a *API) handleUserUnban(w http.ResponseWriter, r *http.Request) {
	a.noContent(w, r, a.admin.UnbanUser(r.Context(), chi.URLParam(r, "username"), actor(r)))
}

func (a *API) handleUserResetHwid(w http.ResponseWriter, r *http.Request) {
	a.noContent(w, r, a.admin.ResetUserHwid(r.Context(), chi.URLParam(r, "username"), actor(r)))
}

func (a *API) handleUserSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !a.decode(w, r, &req) {
		return
	}
	exp, err := a.admin.UpdateSubscription(r.Context(), chi.URLParam(r, "username"), req.Days, actor(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]int64{"subscription_expires_at": exp})
}

func (a *API) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	a.noContent(w, r, a.admin.DeleteUser(r.Context(), chi.URLParam(r, "username"), actor(r)))
}

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	recs, err := a.admin.ListAuditLog(r.Context(), models.AuditFilter{
		UserName: q.Get("username"),
		Action:   models.AuditAction(q.Get("action")),
		Subject:  q.Get("subject"),
	}, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]auditResponse, 0, len(recs))
	for i := range recs {
		out = append(out, toAudit(&recs[i]))
	}
	render.JSON(w, r, map[string]any{"records": out})
}

func (a *API) noContent(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
