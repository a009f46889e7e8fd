package handlers

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/fasthttp/router"

	"github.com/chronica/sensing-gateway/internal/ingest"
	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/internal/services"
	"github.com/chronica/sensing-gateway/pkg/blob"
	"github.com/chronica/sensing-gateway/pkg/clock"
	xhttp "github.com/chronica/sensing-gateway/pkg/http"
	"github.com/chronica/sensing-gateway/pkg/logger"
)

// DeviceHandler serves the mobile app endpoints. Every route is a
// form-encoded POST authenticated by patient_id + password digest +
// device_id.
type DeviceHandler struct {
	participants *repository.ParticipantRepository
	surveys      *services.SurveyService
	uploads      *ingest.Service
	keys         *ingest.KeyStore
	clk          clock.Clock
}

func NewDeviceHandler(
	participants *repository.ParticipantRepository,
	surveys *services.SurveyService,
	uploads *ingest.Service,
	keys *ingest.KeyStore,
	clk clock.Clock,
) *DeviceHandler {
	return &DeviceHandler{
		participants: participants,
		surveys:      surveys,
		uploads:      uploads,
		keys:         keys,
		clk:          clk,
	}
}

func RegisterDeviceRoutes(e *router.Router, h *DeviceHandler) {
	e.POST("/upload", h.Upload)
	e.POST("/register_user", h.RegisterUser)
	e.POST("/set_password", h.SetPassword)
	e.POST("/get_latest_surveys", h.GetLatestSurveys)
	e.POST("/get_latest_device_settings", h.GetLatestDeviceSettings)
	e.POST("/heartbeat", h.Heartbeat)
	e.POST("/set_fcm_token", h.SetFCMToken)
}

type registerResponse struct {
	ClientPublicKey json.RawMessage `json:"client_public_key"`
	DeviceSettings  json.RawMessage `json:"device_settings"`
	StudyName       string          `json:"study_name"`
	StudyID         string          `json:"study_id"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *DeviceHandler) Upload(ctx *xhttp.RequestCtx) {
	p := h.authenticate(ctx, true)
	if p == nil {
		return
	}

	receipt, err := h.uploads.Process(ctx, p, formValue(ctx, "file_name"), fileBytes(ctx))
	if err != nil {
		internalError(ctx, "upload", err)
		return
	}
	ctx.Response.SetStatusCode(receipt.Code)
	ctx.Response.SetBodyString(receipt.Body)
}

// RegisterUser binds a device to a pre-created participant. The device
// authenticates with the enrollment password and replaces it in the same
// call; device_id is being set here, so it is not part of the check.
func (h *DeviceHandler) RegisterUser(ctx *xhttp.RequestCtx) {
	p := h.authenticate(ctx, false)
	if p == nil {
		return
	}

	hash, err := HashCredential(formValue(ctx, "new_password"))
	if err != nil {
		internalError(ctx, "register_user", err)
		return
	}
	p.PasswordHash = hash
	p.DeviceID = formValue(ctx, "device_id")
	if v := formValue(ctx, "os_type"); v != "" {
		p.OSType = v
	}
	p.LastVersionCode = formValue(ctx, "version_code")
	p.LastVersionName = formValue(ctx, "version_name")
	p.LastOSVersion = formValue(ctx, "os_version")
	if err := h.participants.Update(ctx, p); err != nil {
		internalError(ctx, "register_user", err)
		return
	}

	pub, err := h.keys.PublicJSON(p.PatientID)
	if errors.Is(err, blob.ErrNotFound) {
		if _, err = h.keys.Generate(p.PatientID); err == nil {
			pub, err = h.keys.PublicJSON(p.PatientID)
		}
	}
	if err != nil {
		internalError(ctx, "register_user", err)
		return
	}

	if err := h.participants.Touch(ctx, p.ID, repository.LivenessRegisterUser, h.clk.Now()); err != nil {
		internalError(ctx, "register_user", err)
		return
	}
	writeJSON(ctx, 200, registerResponse{
		ClientPublicKey: json.RawMessage(pub),
		DeviceSettings:  rawOr(p.Study.DeviceSettings, "{}"),
		StudyName:       p.Study.Name,
		StudyID:         p.Study.ObjectID,
	})
}

func (h *DeviceHandler) SetPassword(ctx *xhttp.RequestCtx) {
	p := h.authenticate(ctx, true)
	if p == nil {
		return
	}

	hash, err := HashCredential(formValue(ctx, "new_password"))
	if err != nil {
		internalError(ctx, "set_password", err)
		return
	}
	p.PasswordHash = hash
	if err := h.participants.Update(ctx, p); err != nil {
		internalError(ctx, "set_password", err)
		return
	}
	if err := h.participants.Touch(ctx, p.ID, repository.LivenessSetPassword, h.clk.Now()); err != nil {
		internalError(ctx, "set_password", err)
		return
	}
	ctx.Response.SetStatusCode(200)
}

func (h *DeviceHandler) GetLatestSurveys(ctx *xhttp.RequestCtx) {
	p := h.authenticate(ctx, true)
	if p == nil {
		return
	}

	surveys, err := h.surveys.LatestSurveys(ctx, p)
	if err != nil {
		internalError(ctx, "get_latest_surveys", err)
		return
	}
	if err := h.participants.Touch(ctx, p.ID, repository.LivenessGetLatestSurveys, h.clk.Now()); err != nil {
		internalError(ctx, "get_latest_surveys", err)
		return
	}
	writeJSON(ctx, 200, surveys)
}

func (h *DeviceHandler) GetLatestDeviceSettings(ctx *xhttp.RequestCtx) {
	p := h.authenticate(ctx, true)
	if p == nil {
		return
	}

	if err := h.participants.Touch(ctx, p.ID, repository.LivenessGetLatestDeviceSettings, h.clk.Now()); err != nil {
		internalError(ctx, "get_latest_device_settings", err)
		return
	}
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(200)
	ctx.Response.SetBodyRaw(rawOr(p.Study.DeviceSettings, "{}"))
}

func (h *DeviceHandler) Heartbeat(ctx *xhttp.RequestCtx) {
	p := h.authenticate(ctx, true)
	if p == nil {
		return
	}

	err := h.participants.CreateHeartbeat(ctx, &model.AppHeartbeat{
		ParticipantID:   p.ID,
		ActiveSurveyIDs: formValue(ctx, "active_survey_ids"),
	})
	if err != nil {
		internalError(ctx, "heartbeat", err)
		return
	}
	if err := h.participants.Touch(ctx, p.ID, repository.LivenessHeartbeatCheckin, h.clk.Now()); err != nil {
		internalError(ctx, "heartbeat", err)
		return
	}
	ctx.Response.SetStatusCode(200)
}

func (h *DeviceHandler) SetFCMToken(ctx *xhttp.RequestCtx) {
	p := h.authenticate(ctx, true)
	if p == nil {
		return
	}

	token := formValue(ctx, "fcm_token")
	if token == "" {
		ctx.Response.SetStatusCode(400)
		return
	}
	if err := h.participants.SetToken(ctx, p.ID, token, h.clk.Now()); err != nil {
		internalError(ctx, "set_fcm_token", err)
		return
	}
	if err := h.participants.Touch(ctx, p.ID, repository.LivenessSetFCMToken, h.clk.Now()); err != nil {
		internalError(ctx, "set_fcm_token", err)
		return
	}
	ctx.Response.SetStatusCode(204)
}

/* -------------------------------- helpers ------------------------------------ */

// fileBytes reads the upload payload from the multipart "file" part,
// falling back to the form field of the same name.
func fileBytes(ctx *xhttp.RequestCtx) []byte {
	if fh, err := ctx.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return nil
		}
		defer f.Close()
		body, err := io.ReadAll(f)
		if err != nil {
			return nil
		}
		return body
	}
	return ctx.PostArgs().Peek("file")
}

func formValue(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.FormValue(key))
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func rawOr(s, fallback string) []byte {
	if s == "" {
		return []byte(fallback)
	}
	return []byte(s)
}

func internalError(ctx *xhttp.RequestCtx, endpoint string, err error) {
	logger.Error("device endpoint failed", "endpoint", endpoint, "error", err)
	ctx.Response.SetStatusCode(500)
}
