package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/rookgm/esimhub/internal/handler/http/mocks"
	"github.com/rookgm/esimhub/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestWebhookHandler_ReceiveWebhook(t *testing.T) {
	const body = `{"notifyType":"ORDER_STATUS","content":{"orderNo":"B2026"}}`

	tests := []struct {
		name           string
		err            error
		wantStatusCode int
	}{
		{name: "queued_return_202", wantStatusCode: http.StatusAccepted},
		{name: "invalid_signature_return_401", err: fmt.Errorf("%w: signature mismatch", models.ErrInvalidSignature), wantStatusCode: http.StatusUnauthorized},
		{name: "unknown_provider_return_404", err: models.ErrDataNotFound, wantStatusCode: http.StatusNotFound},
		{name: "invalid_payload_return_400", err: models.ErrInvalidPayload, wantStatusCode: http.StatusBadRequest},
		{name: "queue_full_return_503", err: models.ErrQueueFull, wantStatusCode: http.StatusServiceUnavailable},
		{name: "internal_error_return_500", err: models.ErrInternalError, wantStatusCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			svcMock := mocks.NewMockWebhookService(ctrl)
			svcMock.EXPECT().
				Ingest(gomock.Any(), "p1", []byte(body), gomock.Any()).
				DoAndReturn(func(_ context.Context, _ string, _ []byte, header http.Header) (*models.WebhookEvent, error) {
					assert.Equal(t, "abc123", header.Get("RT-Signature"))
					if tt.err != nil {
						return nil, tt.err
					}
					return &models.WebhookEvent{ProviderID: "p1", Type: models.WebhookEventOrderStatus}, nil
				}).Times(1)

			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/p1", strings.NewReader(body))
			req.Header.Set("RT-Signature", "abc123")
			req = withURLParam(req, "providerID", "p1")
			w := httptest.NewRecorder()

			NewWebhookHandler(svcMock).ReceiveWebhook()(w, req)

			res := w.Result()
			defer res.Body.Close()
			assert.Equal(t, tt.wantStatusCode, res.StatusCode)
		})
	}
}
