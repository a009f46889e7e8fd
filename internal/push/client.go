package push

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/chronica/sensing-gateway/pkg/ids"
	"github.com/chronica/sensing-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

// Transport sends one notification to one device token. Implementations
// return *SendError for every classified failure.
type Transport interface {
	Send(ctx context.Context, token, osType string, payload *Payload) error
}

const nonceLength = 32

type Config struct {
	URL             string
	Account         string
	Timeout         time.Duration
	MaxConns        int
	ReadBufferSize  int
	WriteBufferSize int
}

// Client is the HTTP push transport. One payload, one token, one POST;
// fan-out across tokens is the caller's job.
type Client struct {
	config *Config
	client *fasthttp.Client
}

func NewClient(config *Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &Client{
		config: config,
		client: &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			ReadBufferSize:      config.ReadBufferSize,
			WriteBufferSize:     config.WriteBufferSize,
		},
	}
}

type wireMessage struct {
	Account      string        `json:"account"`
	Token        string        `json:"token"`
	OSType       string        `json:"os_type"`
	Data         wireData      `json:"data"`
	Notification *Notification `json:"notification,omitempty"`
}

type wireData struct {
	Nonce           string              `json:"nonce"`
	SentTime        string              `json:"sent_time"`
	Type            string              `json:"type"`
	Message         string              `json:"message,omitempty"`
	SurveyIDs       []string            `json:"survey_ids,omitempty"`
	SurveyUUIDsDict map[string][]string `json:"survey_uuids_dict,omitempty"`
}

type wireResponse struct {
	Error string `json:"error"`
}

// Send posts the payload, injecting a fresh 32-char nonce so identical
// notification bodies are never deduplicated upstream.
func (c *Client) Send(ctx context.Context, token, osType string, payload *Payload) error {
	msg := wireMessage{
		Account: c.config.Account,
		Token:   token,
		OSType:  osType,
		Data: wireData{
			Nonce:           ids.Nonce(nonceLength),
			SentTime:        payload.SentTime.UTC().Format("2006-01-02 15:04:05"),
			Type:            payload.Type,
			Message:         payload.Message,
			SurveyIDs:       payload.SurveyObjectIDs,
			SurveyUUIDsDict: payload.SurveyUUIDsDict,
		},
		Notification: payload.Notification,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return &SendError{Kind: KindUnknown, cause: err}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.URL + "/api/v1/push/send")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		kind := classifyTransportError(err)
		logger.Warn("push transport call failed",
			"os_type", osType,
			"kind", int(kind),
			"error", err)
		return &SendError{Kind: kind, cause: err}
	}

	return classifyResponse(resp.StatusCode(), resp.Body())
}

// classifyTransportError maps fasthttp failures onto the closed kind
// set. Setup failures and mid-call aborts are distinguished because they
// persist as different archive statuses.
func classifyTransportError(err error) ErrorKind {
	switch err {
	case fasthttp.ErrTimeout, fasthttp.ErrDialTimeout, fasthttp.ErrNoFreeConns:
		return KindConnectionFailed
	case fasthttp.ErrConnectionClosed:
		return KindConnectionAborted
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "dial tcp"):
		return KindConnectionFailed
	case strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "EOF"):
		return KindConnectionAborted
	default:
		return KindUnknown
	}
}

func classifyResponse(statusCode int, body []byte) error {
	if statusCode == fasthttp.StatusOK || statusCode == fasthttp.StatusAccepted {
		return nil
	}

	// Gateways in front of the push service answer errors with HTML.
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("<")) {
		return &SendError{Kind: KindUnexpectedResponse}
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err == nil {
		switch wire.Error {
		case "unregistered":
			return &SendError{Kind: KindUnregistered}
		case "third-party-auth":
			return &SendError{Kind: KindThirdPartyAuth}
		case "quota-exceeded":
			return &SendError{Kind: KindQuotaExceeded}
		case "sender-id-mismatch":
			return &SendError{Kind: KindSenderIDMismatch}
		case "transient":
			return &SendError{Kind: KindTransient}
		}
	}

	switch {
	case statusCode == fasthttp.StatusUnauthorized || statusCode == fasthttp.StatusForbidden:
		return &SendError{Kind: KindThirdPartyAuth}
	case statusCode == fasthttp.StatusNotFound:
		return &SendError{Kind: KindUnregistered}
	case statusCode >= 500:
		return &SendError{Kind: KindUnexpectedResponse}
	default:
		return &SendError{Kind: KindUnknown}
	}
}
