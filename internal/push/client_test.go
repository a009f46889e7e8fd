package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	return NewClient(&Config{
		URL:     url,
		Account: "test-account",
		Timeout: 2 * time.Second,
	})
}

func surveyPayload() *Payload {
	return &Payload{
		Type:            TypeSurvey,
		SentTime:        time.Date(2022, 10, 7, 4, 0, 0, 0, time.UTC),
		SurveyObjectIDs: []string{"survey-object-id"},
		SurveyUUIDsDict: map[string][]string{
			"survey-object-id": {"uuid-1"},
		},
	}
}

func TestClient_SendInjectsNonce(t *testing.T) {
	var bodies []wireMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var msg wireMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		bodies = append(bodies, msg)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, client.Send(ctx, "tok", "IOS", surveyPayload()))
	require.NoError(t, client.Send(ctx, "tok", "IOS", surveyPayload()))

	require.Len(t, bodies, 2)
	assert.Len(t, bodies[0].Data.Nonce, 32)
	assert.NotEqual(t, bodies[0].Data.Nonce, bodies[1].Data.Nonce, "nonce must differ per send")

	assert.Equal(t, "test-account", bodies[0].Account)
	assert.Equal(t, "tok", bodies[0].Token)
	assert.Equal(t, TypeSurvey, bodies[0].Data.Type)
	assert.Equal(t, "2022-10-07 04:00:00", bodies[0].Data.SentTime)
	assert.Equal(t, []string{"survey-object-id"}, bodies[0].Data.SurveyIDs)
	assert.Equal(t, []string{"uuid-1"}, bodies[0].Data.SurveyUUIDsDict["survey-object-id"])
}

func TestClient_SendClassifiesServiceErrors(t *testing.T) {
	cases := []struct {
		name       string
		statusCode int
		body       string
		wantKind   ErrorKind
		wantStatus string
	}{
		{"unregistered token", 410, `{"error":"unregistered"}`, KindUnregistered, model.StatusUnknownError},
		{"auth failure", 403, `{}`, KindThirdPartyAuth, model.StatusAccountNotFound},
		{"quota", 429, `{"error":"quota-exceeded"}`, KindQuotaExceeded, model.StatusUnknownError},
		{"html gateway page", 502, `<html><body>Bad Gateway</body></html>`, KindUnexpectedResponse, model.StatusUnexpectedResponse},
		{"opaque 500", 500, `{}`, KindUnexpectedResponse, model.StatusUnexpectedResponse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			err := newTestClient(srv.URL).Send(context.Background(), "tok", "ANDROID", surveyPayload())
			require.Error(t, err)

			var sendErr *SendError
			require.True(t, errors.As(err, &sendErr))
			assert.Equal(t, tc.wantKind, sendErr.Kind)
			assert.Equal(t, tc.wantStatus, sendErr.Status())
			assert.True(t, sendErr.Classified())
		})
	}
}

func TestClient_SendConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // nothing listening anymore

	err := newTestClient(url).Send(context.Background(), "tok", "IOS", surveyPayload())
	require.Error(t, err)

	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, KindConnectionFailed, sendErr.Kind)
	assert.Equal(t, model.StatusConnectionFailed, sendErr.Status())
}

func TestSendError_UnclassifiedReRaises(t *testing.T) {
	err := &SendError{Kind: KindUnknown}
	assert.False(t, err.Classified())
	assert.Equal(t, model.StatusUnknownError, err.Status())
}
