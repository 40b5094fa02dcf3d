package call

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clientdesk-service/internal/config"
	"clientdesk-service/internal/domain/account"
	"clientdesk-service/internal/domain/relationship"
	"clientdesk-service/internal/middleware"
	xerrors "clientdesk-service/internal/pkg/errors"
	ws "clientdesk-service/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubRelationships map[int64]*relationship.Relationship

func (s stubRelationships) FindByID(_ context.Context, id int64) (*relationship.Relationship, error) {
	rel, ok := s[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return rel, nil
}

type stubGate map[int64]bool

func (s stubGate) CanInteractWithRelationship(_ context.Context, _, relationshipID int64) bool {
	return s[relationshipID]
}

type fixture struct {
	hub     *ws.Hub
	handler *CallHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := ws.NewHub(nil, config.CallConfig{MaxParticipants: 2, PendingRoomTTL: time.Minute}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	rels := stubRelationships{
		1: {ID: 1, ProviderAccountID: 7, ClientAccountID: 99, Status: relationship.StatusAccepted},
		2: {ID: 2, ProviderAccountID: 7, ClientAccountID: 98, Status: relationship.StatusPending},
		3: {ID: 3, ProviderAccountID: 7, ClientAccountID: 97, Status: relationship.StatusAccepted},
	}
	gate := stubGate{1: true, 2: true, 3: false}
	return &fixture{hub: hub, handler: NewCallHandler(hub, rels, gate, zap.NewNop())}
}

func (f *fixture) router(callerID int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		middleware.SetAccount(c, &account.Account{ID: callerID, Kind: account.KindClient})
	})
	r.POST("/calls", f.handler.OpenCall)
	r.GET("/calls/:room_id", f.handler.GetCall)
	r.DELETE("/calls/:room_id", f.handler.EndCall)
	return r
}

func request(t *testing.T, r http.Handler, method, path, body string) (int, ws.RoomInfo) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env struct {
		Data *ws.RoomInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if env.Data == nil {
		return w.Code, ws.RoomInfo{}
	}
	return w.Code, *env.Data
}

func TestOpenCall(t *testing.T) {
	f := newFixture(t)

	code, info := request(t, f.router(99), http.MethodPost, "/calls", `{"relationship_id":1}`)
	require.Equal(t, http.StatusCreated, code)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, int64(1), info.RelationshipID)
	assert.Empty(t, info.Participants)

	// The provider gets the same room.
	code, again := request(t, f.router(7), http.MethodPost, "/calls", `{"relationship_id":1}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, info.ID, again.ID)
}

func TestOpenCallRejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		caller int64
		body   string
		want   int
	}{
		{"missing relationship", 99, `{}`, http.StatusBadRequest},
		{"unknown relationship", 99, `{"relationship_id":404}`, http.StatusNotFound},
		{"not a participant", 55, `{"relationship_id":1}`, http.StatusNotFound},
		{"pending relationship", 98, `{"relationship_id":2}`, http.StatusConflict},
		{"outside the plan limit", 97, `{"relationship_id":3}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := request(t, f.router(tt.caller), http.MethodPost, "/calls", tt.body)
			assert.Equal(t, tt.want, code)
		})
	}
	assert.Zero(t, f.hub.TotalRooms())
}

func TestGetAndEndCall(t *testing.T) {
	f := newFixture(t)
	_, info := request(t, f.router(99), http.MethodPost, "/calls", `{"relationship_id":1}`)

	code, got := request(t, f.router(7), http.MethodGet, "/calls/"+info.ID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, info.ID, got.ID)

	code, _ = request(t, f.router(55), http.MethodGet, "/calls/"+info.ID, "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = request(t, f.router(55), http.MethodDelete, "/calls/"+info.ID, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = request(t, f.router(7), http.MethodDelete, "/calls/"+info.ID, "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = request(t, f.router(7), http.MethodGet, "/calls/"+info.ID, "")
	assert.Equal(t, http.StatusNotFound, code)
}
