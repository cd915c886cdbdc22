package esimaccess

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccessCode = "access"
	testSecret     = "secret"
)

func newTestServer(t *testing.T, routes map[string]func(in map[string]any) any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}

		want := sign(testSecret, r.Header.Get("RT-Timestamp"), r.Header.Get("RT-RequestID"), testAccessCode, body)
		if r.Header.Get("RT-AccessCode") != testAccessCode || r.Header.Get("RT-Signature") != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		route, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		in := map[string]any{}
		_ = json.Unmarshal(body, &in)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(route(in))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL, testAccessCode, testSecret, WithMinInterval(0), WithHTTPClient(srv.Client()))
}

func ok(obj any) map[string]any {
	return map[string]any{"success": true, "errorCode": "0", "obj": obj}
}

func fail(code, msg string) map[string]any {
	return map[string]any{"success": false, "errorCode": code, "errorMsg": msg}
}

func TestNew(t *testing.T) {
	_, err := New(models.Provider{Slug: Slug}, provider.NewCredentials(Slug, "esimaccess", nil))
	require.Error(t, err)
	assert.True(t, provider.IsConfigError(err))

	svc, err := New(models.Provider{Slug: Slug}, provider.NewCredentials(Slug, "esimaccess", map[string]string{
		"access_code": testAccessCode,
		"secret_key":  testSecret,
	}))
	require.NoError(t, err)
	assert.False(t, svc.SupportsRefunds())
	assert.True(t, svc.SupportsCancellation())
}

func TestSign(t *testing.T) {
	got := sign("k", "1700000000000", "rid", "ac", []byte(`{}`))
	assert.Equal(t, provider.SignHMAC(sha256.New, []byte(`1700000000000ridac{}`), "k"), got)
	assert.Len(t, got, 64)
}

func TestClient_CreateOrder(t *testing.T) {
	tests := []struct {
		name string
		resp map[string]any
		want *models.ProviderOrderResponse
	}{
		{
			name: "accepted",
			resp: ok(map[string]any{"orderNo": "B2024"}),
			want: &models.ProviderOrderResponse{
				Success:         true,
				ProviderOrderID: "B2024",
				Status:          models.ProviderStateProcessing,
			},
		},
		{
			name: "rejected",
			resp: fail("200007", "insufficient balance"),
			want: &models.ProviderOrderResponse{
				Status: models.ProviderStateFailed,
				Error:  "insufficient balance",
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			srv := newTestServer(t, map[string]func(map[string]any) any{
				"/esim/order": func(in map[string]any) any {
					assert.Equal(t, "o1", in["transactionId"])
					return test.resp
				},
			})

			got, err := newTestClient(srv).CreateOrder(context.Background(), provider.OrderRequest{
				OrderID:           "o1",
				ProviderPackageID: "CKH491",
				Quantity:          1,
			})
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestClient_GetOrderStatus(t *testing.T) {
	tests := []struct {
		name      string
		resp      map[string]any
		wantState models.ProviderState
		wantAlloc models.Allocation
	}{
		{
			name: "allocated",
			resp: ok(map[string]any{"esimList": []map[string]any{{
				"iccid":      "8985",
				"ac":         "LPA:1$rsp.esimaccess.com$ABC123",
				"qrCodeUrl":  "https://qr/1.png",
				"esimStatus": "GOT_RESOURCE",
			}}}),
			wantState: models.ProviderStateCompleted,
			wantAlloc: models.Allocation{
				ICCID:          "8985",
				ActivationCode: "ABC123",
				QRCode:         "https://qr/1.png",
				SMDPAddress:    "rsp.esimaccess.com",
			},
		},
		{
			name:      "still_allocating",
			resp:      fail(codeAllocating, "profile is being allocated"),
			wantState: models.ProviderStateProcessing,
		},
		{
			name:      "empty_list",
			resp:      ok(map[string]any{"esimList": []any{}}),
			wantState: models.ProviderStateProcessing,
		},
		{
			name: "revoked",
			resp: ok(map[string]any{"esimList": []map[string]any{{
				"iccid":      "8985",
				"esimStatus": "REVOKED",
			}}}),
			wantState: models.ProviderStateFailed,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			srv := newTestServer(t, map[string]func(map[string]any) any{
				"/esim/query": func(in map[string]any) any {
					assert.Equal(t, "B2024", in["orderNo"])
					return test.resp
				},
			})

			st, err := newTestClient(srv).GetOrderStatus(context.Background(), "B2024")
			require.NoError(t, err)
			assert.Equal(t, test.wantState, st.Status)
			assert.Equal(t, test.wantAlloc, st.Allocation)
		})
	}
}

func TestClient_Cancel(t *testing.T) {
	srv := newTestServer(t, map[string]func(map[string]any) any{
		"/esim/cancel": func(in map[string]any) any {
			if in["iccid"] == "used" {
				return fail("310241", "esim is in use")
			}
			return ok(nil)
		},
	})
	c := newTestClient(srv)

	res, err := c.Cancel(context.Background(), provider.CancelRequest{ICCID: "8985"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.CancelStatusCancelled, res.Status)

	res, err = c.Cancel(context.Background(), provider.CancelRequest{ICCID: "used"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.CancelStatusRejected, res.Status)
	assert.Equal(t, "esim is in use", res.Message)
}

func TestClient_Refund(t *testing.T) {
	res, err := NewClient("", testAccessCode, testSecret).Refund(context.Background(), provider.RefundRequest{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.RefundStatusNotSupported, res.Status)
}

func TestClient_SyncPackages(t *testing.T) {
	srv := newTestServer(t, map[string]func(map[string]any) any{
		"/package/list": func(in map[string]any) any {
			return ok(map[string]any{"packageList": []map[string]any{
				{
					"packageCode":  "CKH491",
					"name":         "France 1GB 7Days",
					"price":        45000,
					"currencyCode": "USD",
					"volume":       1073741824,
					"duration":     7,
					"durationUnit": "DAY",
					"location":     "FR",
				},
				{
					"packageCode":  "EU30",
					"name":         "Europe 3GB 1Month",
					"price":        90000,
					"volume":       3221225472,
					"duration":     1,
					"durationUnit": "MONTH",
					"location":     "FR,DE,IT",
				},
			}})
		},
	})

	pkgs, err := newTestClient(srv).SyncPackages(context.Background())
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "4.5", pkgs[0].WholesalePrice.String())
	assert.Equal(t, int64(1024), pkgs[0].DataAmountMB)
	assert.Equal(t, models.PackageTypeLocal, pkgs[0].Type)
	assert.Equal(t, 30, pkgs[1].ValidityDays)
	assert.Equal(t, models.PackageTypeRegional, pkgs[1].Type)
	assert.Equal(t, "USD", pkgs[1].Currency)
}

func TestClient_HealthCheck(t *testing.T) {
	srv := newTestServer(t, map[string]func(map[string]any) any{
		"/balance/query": func(in map[string]any) any { return ok(map[string]any{"balance": 1000}) },
	})
	assert.True(t, newTestClient(srv).HealthCheck(context.Background()).Healthy)

	bad := NewClient(srv.URL, testAccessCode, "wrong", WithMinInterval(0))
	st := bad.HealthCheck(context.Background())
	assert.False(t, st.Healthy)
	assert.Contains(t, st.Error, "401")
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.URL, testAccessCode, testSecret, WithMinInterval(0)).CreateOrder(ctx, provider.OrderRequest{OrderID: "o1"})
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
	assert.Equal(t, "timeout", provider.ErrorText(err))
}

func TestClient_ParseWebhook(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantType  models.WebhookEventType
		wantState models.ProviderState
		wantOrder string
	}{
		{
			name:      "order_ready",
			body:      `{"notifyType":"ORDER_STATUS","content":{"orderNo":"B2024","orderStatus":"GOT_RESOURCE"}}`,
			wantType:  models.WebhookEventOrderStatus,
			wantState: models.ProviderStateCompleted,
			wantOrder: "B2024",
		},
		{
			name:      "data_usage",
			body:      `{"notifyType":"DATA_USAGE","content":{"orderNo":"B2024","iccid":"8985","remain":104857600}}`,
			wantType:  models.WebhookEventLowData,
			wantOrder: "B2024",
		},
		{
			name:     "validity",
			body:     `{"notifyType":"VALIDITY_USAGE","content":{"iccid":"8985","remain":1}}`,
			wantType: models.WebhookEventExpiring,
		},
		{
			name:     "smdp_event",
			body:     `{"notifyType":"SMDP_EVENT","content":{}}`,
			wantType: models.WebhookEventOther,
		},
	}
	c := NewClient("", testAccessCode, testSecret)
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ev, err := c.ParseWebhook([]byte(test.body))
			require.NoError(t, err)
			assert.Equal(t, test.wantType, ev.Type)
			assert.Equal(t, test.wantState, ev.Status)
			assert.Equal(t, test.wantOrder, ev.ProviderOrderID)
		})
	}
}

func TestClient_ValidateWebhook(t *testing.T) {
	c := NewClient("", testAccessCode, testSecret)
	body := []byte(`{"notifyType":"CHECK_HEALTH"}`)
	sig := provider.SignHMAC(sha256.New, body, "whsec")

	assert.True(t, c.ValidateWebhook(body, sig, "whsec").IsValid)
	assert.Equal(t, "signature mismatch", c.ValidateWebhook(body, sig, "nope").Reason)
	assert.Equal(t, "RT-Signature", c.SignatureHeader())
}
