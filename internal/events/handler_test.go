package events

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rollcall/backend/internal/models"
)

func init() { gin.SetMode(gin.TestMode) }

func request(t *testing.T, r http.Handler, method, path, body string) (int, json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env.Data
}

func TestEventAdminFlow(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.service, f.service.cache, zaptest.NewLogger(t))
	r := gin.New()
	r.GET("/codes/:code", h.ByCode)
	r.POST("/admin/events", h.Create)
	r.GET("/admin/events", h.List)
	r.PATCH("/admin/events/:id/status", h.SetStatus)
	r.DELETE("/admin/events/:id", h.Delete)

	status, _ := request(t, r, http.MethodPost, "/admin/events", `{"name":"Gala","date":"14/03/2026","sheetId":"sheet-1"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, data := request(t, r, http.MethodPost, "/admin/events", `{"name":"Gala","date":"2026-03-14","sheetId":"sheet-1","tab":"Guests"}`)
	require.Equal(t, http.StatusCreated, status)
	var created Created
	require.NoError(t, json.Unmarshal(data, &created))
	id, code := created.Event.EventID, created.Event.EventCode

	status, data = request(t, r, http.MethodGet, "/codes/"+code, "")
	require.Equal(t, http.StatusOK, status)
	var info CodeInfo
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, CodeInfo{EventID: id, Name: "Gala", Date: "2026-03-14", EventCode: code}, info)

	status, data = request(t, r, http.MethodGet, "/admin/events", "")
	require.Equal(t, http.StatusOK, status)
	var list []models.Event
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list, 1)

	status, _ = request(t, r, http.MethodPatch, "/admin/events/"+id+"/status", `{"status":"paused"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = request(t, r, http.MethodPatch, "/admin/events/"+id+"/status", `{"status":"inactive"}`)
	assert.Equal(t, http.StatusOK, status)
	status, _ = request(t, r, http.MethodGet, "/codes/"+code, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = request(t, r, http.MethodDelete, "/admin/events/"+id, "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = request(t, r, http.MethodDelete, "/admin/events/"+id, "")
	assert.Equal(t, http.StatusNotFound, status)
}
