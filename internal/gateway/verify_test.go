// ABOUTME: Tests for the device verification callback endpoint
// ABOUTME: Covers CORS, validation and every outcome reachable without a VPN lookup

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/rewards-gateway/internal/admission"
	"github.com/2389/rewards-gateway/internal/auth"
	"github.com/2389/rewards-gateway/internal/secrettoken"
)

func (tg *testGateway) issueSecret(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := secrettoken.New(tg.store, tg.settings, testLogger()).Issue(context.Background(), userID)
	require.NoError(t, err)
	return tok
}

func (tg *testGateway) verify(t *testing.T, req VerifyDeviceRequest) (int, VerifyDeviceResponse) {
	t.Helper()
	rec := tg.do(t, http.MethodPost, "/verify-device", "", req)
	var resp VerifyDeviceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestVerifyDevice_Outcomes(t *testing.T) {
	tg := newTestGateway(t, testConfig(t))

	aliceSecret := tg.issueSecret(t, "@alice:example.org")
	aliceReq := VerifyDeviceRequest{
		UserID:                "@alice:example.org",
		Fingerprint:           "fp-alice",
		FingerprintComponents: map[string]any{"canvas": "c1", "webgl": "w1"},
		Secret:                aliceSecret,
		IP:                    "1.2.3.4",
	}

	code, resp := tg.verify(t, aliceReq)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, string(admission.OutcomeOK), resp.Outcome)
	assert.Equal(t, admission.OutcomeOK.Message(), resp.Message)

	// Tokens are single use
	_, resp = tg.verify(t, aliceReq)
	assert.False(t, resp.Success)
	assert.Equal(t, string(admission.OutcomeInvalidToken), resp.Outcome)

	// Same device for another account, from another network
	_, resp = tg.verify(t, VerifyDeviceRequest{
		UserID:      "@bob:example.org",
		Fingerprint: "fp-alice",
		Secret:      tg.issueSecret(t, "@bob:example.org"),
		IP:          "5.6.7.8",
	})
	assert.Equal(t, string(admission.OutcomeDuplicateDevice), resp.Outcome)

	// A second account from alice's network trips the account limit
	_, resp = tg.verify(t, VerifyDeviceRequest{
		UserID:      "@carol:example.org",
		Fingerprint: "fp-carol",
		Secret:      tg.issueSecret(t, "@carol:example.org"),
		IP:          "1.2.3.4",
	})
	assert.Equal(t, string(admission.OutcomeIPBanned), resp.Outcome)
	assert.NotEmpty(t, resp.Detail)

	user, err := tg.store.GetUser(context.Background(), "@alice:example.org")
	require.NoError(t, err)
	assert.True(t, user.DeviceVerified)
	assert.Equal(t, "1.2.3.4", user.IPAddress)
}

func TestVerifyDevice_ManualBanApplies(t *testing.T) {
	tg := newTestGateway(t, testConfig(t))
	admin := tg.token(t, "ops", auth.RoleAdmin)

	rec := tg.do(t, http.MethodPost, "/api/bans", admin, BanRequest{IP: "9.9.9.9", Reason: "abuse", Hours: 1})
	require.Equal(t, http.StatusCreated, rec.Code)

	_, resp := tg.verify(t, VerifyDeviceRequest{
		UserID:      "@dave:example.org",
		Fingerprint: "fp-dave",
		Secret:      tg.issueSecret(t, "@dave:example.org"),
		IP:          "9.9.9.9",
	})
	assert.Equal(t, string(admission.OutcomeIPBanned), resp.Outcome)
}

func TestVerifyDevice_Validation(t *testing.T) {
	tg := newTestGateway(t, testConfig(t))

	code, resp := tg.verify(t, VerifyDeviceRequest{UserID: "@alice:example.org", Fingerprint: "fp"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "required")

	req := httptest.NewRequest(http.MethodPost, "/verify-device", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	tg.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tg.do(t, http.MethodGet, "/verify-device", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestVerifyDevice_CORS(t *testing.T) {
	tg := newTestGateway(t, testConfig(t))

	req := httptest.NewRequest(http.MethodOptions, "/verify-device", nil)
	req.Header.Set("Origin", "https://verify.example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	tg.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://verify.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	_, resp := tg.verify(t, VerifyDeviceRequest{UserID: "@alice:example.org", Fingerprint: "fp", Secret: "bogus"})
	assert.Equal(t, string(admission.OutcomeInvalidToken), resp.Outcome)
}
