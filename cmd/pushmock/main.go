// Mock push-notification service for local development. It speaks the
// same wire contract as the production push endpoint and can be tuned
// at runtime to answer with any of the classified error strings, so
// the dispatch and resend paths can be exercised without real devices.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Error strings the real service answers with; the gateway classifies
// each into its own archive status.
const (
	errUnregistered     = "unregistered"
	errThirdPartyAuth   = "third-party-auth"
	errQuotaExceeded    = "quota-exceeded"
	errSenderIDMismatch = "sender-id-mismatch"
	errTransient        = "transient"
)

type pushData struct {
	Nonce           string              `json:"nonce"`
	SentTime        string              `json:"sent_time"`
	Type            string              `json:"type"`
	Message         string              `json:"message,omitempty"`
	SurveyIDs       []string            `json:"survey_ids,omitempty"`
	SurveyUUIDsDict map[string][]string `json:"survey_uuids_dict,omitempty"`
}

type pushNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type sendRequest struct {
	Account      string            `json:"account" binding:"required"`
	Token        string            `json:"token" binding:"required"`
	OSType       string            `json:"os_type" binding:"required"`
	Data         pushData          `json:"data"`
	Notification *pushNotification `json:"notification,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status       string    `json:"status"`
	ServiceID    string    `json:"service_id"`
	Timestamp    time.Time `json:"timestamp"`
	DeliveryRate float64   `json:"delivery_rate"`
}

// MockPushService simulates the push delivery backend. A delivery rate
// below 1.0 makes random sends fail with a random error string, and
// individual tokens can be force-unregistered to drive the token
// cleanup path.
type MockPushService struct {
	mu           sync.Mutex
	deliveryRate float64
	minDelay     time.Duration
	maxDelay     time.Duration
	serviceID    string
	unregistered map[string]bool
	rng          *rand.Rand
}

func NewMockPushService(deliveryRate float64, minDelay, maxDelay time.Duration) *MockPushService {
	return &MockPushService{
		deliveryRate: deliveryRate,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		serviceID:    "MOCK_PUSH_" + uuid.New().String()[:8],
		unregistered: make(map[string]bool),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// deliver simulates one send and returns the error string, empty on
// success.
func (m *MockPushService) deliver(req *sendRequest) string {
	time.Sleep(m.randomDelay())

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unregistered[req.Token] {
		return errUnregistered
	}
	if m.rng.Float64() < m.deliveryRate {
		return ""
	}
	errorStrings := []string{
		errThirdPartyAuth,
		errQuotaExceeded,
		errSenderIDMismatch,
		errTransient,
	}
	return errorStrings[m.rng.Intn(len(errorStrings))]
}

func (m *MockPushService) randomDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockPushService) healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Simulate 5% downtime.
	return m.rng.Float64() >= 0.05
}

type Handler struct {
	service *MockPushService
}

func NewHandler(service *MockPushService) *Handler {
	return &Handler{service: service}
}

// Send handles one notification for one token.
func (h *Handler) Send(c *gin.Context) {
	var req sendRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request",
			"details": err.Error(),
		})
		return
	}
	if req.Data.Nonce == "" || req.Data.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing nonce or type"})
		return
	}

	log.Info().
		Str("token", req.Token).
		Str("os_type", req.OSType).
		Str("type", req.Data.Type).
		Strs("survey_ids", req.Data.SurveyIDs).
		Msg("received push send request")

	errStr := h.service.deliver(&req)
	if errStr == "" {
		c.Status(http.StatusOK)
		return
	}

	log.Warn().
		Str("token", req.Token).
		Str("error", errStr).
		Msg("push delivery failed")

	status := http.StatusBadRequest
	switch errStr {
	case errUnregistered:
		status = http.StatusNotFound
	case errThirdPartyAuth:
		status = http.StatusUnauthorized
	case errTransient:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, errorResponse{Error: errStr})
}

// HealthCheck handles health check requests.
func (h *Handler) HealthCheck(c *gin.Context) {
	if !h.service.healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  "push service temporarily unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, healthResponse{
		Status:       "healthy",
		ServiceID:    h.service.serviceID,
		Timestamp:    time.Now(),
		DeliveryRate: h.service.deliveryRate,
	})
}

// UpdateConfig changes the failure behavior at runtime: the global
// delivery rate plus per-token unregister flags.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		DeliveryRate     *float64 `json:"delivery_rate"`
		UnregisterTokens []string `json:"unregister_tokens"`
		ReregisterTokens []string `json:"reregister_tokens"`
	}

	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request",
			"details": err.Error(),
		})
		return
	}

	h.service.mu.Lock()
	if config.DeliveryRate != nil && *config.DeliveryRate >= 0 && *config.DeliveryRate <= 1.0 {
		h.service.deliveryRate = *config.DeliveryRate
		log.Info().Float64("rate", *config.DeliveryRate).Msg("updated delivery rate")
	}
	for _, token := range config.UnregisterTokens {
		h.service.unregistered[token] = true
	}
	for _, token := range config.ReregisterTokens {
		delete(h.service.unregistered, token)
	}
	rate := h.service.deliveryRate
	h.service.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status":        "configuration updated",
		"delivery_rate": rate,
	})
}

// SetupRouter configures all routes.
func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("request processed")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/push/send", handler.Send)
		v1.GET("/health", handler.HealthCheck)
		v1.PUT("/config", handler.UpdateConfig)
	}

	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8081")
	deliveryRate := getEnvFloat("DELIVERY_RATE", 1)
	minDelay := getEnvDuration("MIN_DELAY", 50*time.Millisecond)
	maxDelay := getEnvDuration("MAX_DELAY", 500*time.Millisecond)

	log.Info().
		Str("port", port).
		Float64("delivery_rate", deliveryRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Msg("starting mock push service")

	service := NewMockPushService(deliveryRate, minDelay, maxDelay)
	handler := NewHandler(service)
	router := SetupRouter(handler)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
