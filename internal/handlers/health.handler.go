package handlers

import (
	"github.com/fasthttp/router"
	xhttp "github.com/chronica/sensing-gateway/pkg/http"
)

type HealthService interface {
	Get() error
}
type HealthHandler struct {
	svc HealthService
}

func RegisterHealthRoutes(e *router.Router, h *HealthHandler) {
	e.GET("/health", h.GetHealth)
}

func NewHealthHandler(svc HealthService) *HealthHandler {
	return &HealthHandler{
		svc: svc,
	}
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	if h.svc != nil {
		if err := h.svc.Get(); err != nil {
			ctx.Response.SetStatusCode(503)
			return
		}
	}
	ctx.Response.SetBodyString("success")
}
