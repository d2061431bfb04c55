package stakes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService()
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/internal"))
	return r, svc
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeStake(t *testing.T, w *httptest.ResponseRecorder) Stake {
	t.Helper()
	var resp struct {
		Stake Stake `json:"stake"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Stake
}

func TestHandler_CreateAndGet(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/internal/stakes", map[string]any{
		"challengeId":        "ch_1",
		"amountCents":        1500,
		"platformFeePercent": "10",
		"targetCompletions":  21,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeStake(t, w)
	assert.Equal(t, "ch_1", created.ChallengeID)

	w = doJSON(r, http.MethodGet, "/internal/stakes/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decodeStake(t, w).ID)

	w = doJSON(r, http.MethodGet, "/internal/challenges/ch_1/stake", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decodeStake(t, w).ID)

	w = doJSON(r, http.MethodGet, "/internal/stakes/stk_nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreateErrors(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/internal/stakes", map[string]any{"challengeId": "ch_1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := map[string]any{
		"challengeId":        "ch_1",
		"amountCents":        1500,
		"platformFeePercent": "100",
		"targetCompletions":  21,
	}
	w = doJSON(r, http.MethodPost, "/internal/stakes", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	body["platformFeePercent"] = "5"
	require.Equal(t, http.StatusCreated, doJSON(r, http.MethodPost, "/internal/stakes", body).Code)
	w = doJSON(r, http.MethodPost, "/internal/stakes", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate_challenge")
}

func TestHandler_StartFreezesTerms(t *testing.T) {
	r, svc := setupRouter(t)
	stake, err := svc.Create(t.Context(), validRequest("ch_1"))
	require.NoError(t, err)

	w := doJSON(r, http.MethodPatch, "/internal/stakes/"+stake.ID, map[string]any{"targetCompletions": 10})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, decodeStake(t, w).TargetCompletions)

	w = doJSON(r, http.MethodPost, "/internal/stakes/"+stake.ID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusStarted, decodeStake(t, w).Status)

	w = doJSON(r, http.MethodPatch, "/internal/stakes/"+stake.ID, map[string]any{"targetCompletions": 3})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "stake_immutable")
}
