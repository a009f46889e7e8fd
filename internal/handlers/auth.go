package handlers

import (
	"github.com/chronica/sensing-gateway/internal/model"
	xhttp "github.com/chronica/sensing-gateway/pkg/http"
	"golang.org/x/crypto/bcrypt"
)

// HashCredential stores the device-supplied SHA-256 password digest
// behind bcrypt. The raw password never reaches the server.
func HashCredential(digest string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(digest), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// authenticate resolves the participant from the request credentials.
// Any failure writes a bare 403 with an empty body and returns nil; no
// error text leaks to the device.
func (h *DeviceHandler) authenticate(ctx *xhttp.RequestCtx, checkDevice bool) *model.Participant {
	patientID := formValue(ctx, "patient_id")
	password := formValue(ctx, "password")

	p, err := h.participants.GetByPatientID(ctx, patientID)
	if err != nil {
		forbid(ctx)
		return nil
	}
	if bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)) != nil {
		forbid(ctx)
		return nil
	}
	if checkDevice && p.DeviceID != "" && p.DeviceID != formValue(ctx, "device_id") {
		forbid(ctx)
		return nil
	}
	return p
}

func forbid(ctx *xhttp.RequestCtx) {
	ctx.Response.Reset()
	ctx.Response.SetStatusCode(403)
}
