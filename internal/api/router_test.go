package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/vaultchat/internal/chat"
	"github.com/kalambet/vaultchat/internal/payment"
)

func TestNewRouter_DispatchesBothSurfaces(t *testing.T) {
	f := setupAppHandler(t, true)
	h := NewRouter(ChatDeps{
		Chat:     &mockTurnHandler{resp: chat.Response{Answer: "ok"}},
		Turns:    f.store,
		Payments: payment.NewChannel(),
		Wallet:   f.holder,
		Token:    testToken,
	}, f.deps)

	tests := []struct {
		method, path string
		auth         bool
		want         int
	}{
		{http.MethodGet, "/health", false, http.StatusOK},
		{http.MethodGet, "/v1/wallet", true, http.StatusOK},
		{http.MethodGet, "/v1/payments/challenge", true, http.StatusNoContent},
		{http.MethodGet, "/v1/chat/sessions/s1/turns", true, http.StatusOK},
		{http.MethodGet, "/persona", true, http.StatusOK},
		{http.MethodGet, "/rewards/balance", true, http.StatusOK},
		{http.MethodGet, "/persona", false, http.StatusUnauthorized},
		{http.MethodGet, "/v1/wallet", false, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		if tt.auth {
			req.Header.Set("Authorization", "Bearer "+testToken)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d (body %s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
		}
	}
}

func TestNewRouter_SessionParamReachesHandler(t *testing.T) {
	f := setupAppHandler(t, true)
	turns := &mockTurnHandler{resp: chat.Response{Answer: "ok"}}
	h := NewRouter(ChatDeps{
		Chat:     turns,
		Turns:    f.store,
		Payments: payment.NewChannel(),
		Wallet:   f.holder,
		Token:    testToken,
	}, f.deps)

	req := authReq(http.MethodPost, "/v1/chat/sessions/trip-42/turns", `{"message":"hello"}`, testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(turns.sessions) != 1 || turns.sessions[0] != "trip-42" {
		t.Errorf("sessions = %v, want [trip-42]", turns.sessions)
	}
}
