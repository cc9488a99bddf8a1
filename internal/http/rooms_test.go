package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"pongarena/broker/internal/broker"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
)

type stubGateway struct {
	rooms []string
}

func (g *stubGateway) ServeRoom(w http.ResponseWriter, r *http.Request, roomID string) {
	g.rooms = append(g.rooms, roomID)
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func newRoomRouter(t *testing.T, limiter KeyLimiter) (*mux.Router, *broker.Broker, *stubGateway) {
	t.Helper()
	b, _ := newTestBroker(t)
	gateway := &stubGateway{}
	router := mux.NewRouter()
	router.Use(logging.HTTPTraceMiddleware(logging.NewTestLogger()))
	NewRoomHandlers(RoomOptions{
		Logger:        logging.NewTestLogger(),
		Rooms:         b,
		Gateway:       gateway,
		CreateLimiter: limiter,
	}).Register(router)
	return router, b, gateway
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeSnapshot(t *testing.T, rr *httptest.ResponseRecorder) match.Snapshot {
	t.Helper()
	var snapshot match.Snapshot
	if err := json.NewDecoder(rr.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snapshot
}

func TestRoomLifecycleOverREST(t *testing.T) {
	router, _, _ := newRoomRouter(t, nil)

	rr := doJSON(t, router, http.MethodPost, "/rooms", `{"label":"friday final"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(logging.TraceIDHeader) == "" {
		t.Fatal("expected trace id header on response")
	}
	created := decodeSnapshot(t, rr)
	if created.ID == "" || created.Label != "friday final" || created.State.Status != "waiting" {
		t.Fatalf("unexpected created room %+v", created)
	}

	rr = doJSON(t, router, http.MethodGet, "/rooms", "")
	var list struct {
		Rooms []match.Snapshot `json:"rooms"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Rooms) != 1 || list.Rooms[0].ID != created.ID {
		t.Fatalf("unexpected room list %+v", list.Rooms)
	}

	rr = doJSON(t, router, http.MethodGet, "/rooms/"+created.ID, "")
	if rr.Code != http.StatusOK || decodeSnapshot(t, rr).ID != created.ID {
		t.Fatalf("expected room lookup to succeed, got %d", rr.Code)
	}

	if rr = doJSON(t, router, http.MethodDelete, "/rooms/"+created.ID, ""); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr = doJSON(t, router, http.MethodDelete, "/rooms/"+created.ID, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on repeat delete, got %d", rr.Code)
	}
	if rr = doJSON(t, router, http.MethodGet, "/rooms/"+created.ID, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestEmptyRoomListIsArray(t *testing.T) {
	router, _, _ := newRoomRouter(t, nil)
	rr := doJSON(t, router, http.MethodGet, "/rooms", "")
	if strings.TrimSpace(rr.Body.String()) != `{"rooms":[]}` {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestJoinRoomSeatsAndConflicts(t *testing.T) {
	router, b, _ := newRoomRouter(t, nil)
	created, err := b.CreateRoom(match.Metadata{})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	path := "/rooms/" + created.ID + "/join"

	rr := doJSON(t, router, http.MethodPost, path, `{"identity":"alice","seat":"left","name":"Alice"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	snapshot := decodeSnapshot(t, rr)
	if snapshot.Players.Left == nil || snapshot.Players.Left.ID != "alice" || snapshot.Players.Left.Name != "Alice" {
		t.Fatalf("unexpected left player %+v", snapshot.Players.Left)
	}
	if snapshot.Players.Left.Connected {
		t.Fatal("a REST reservation must not mark the seat connected")
	}

	if rr = doJSON(t, router, http.MethodPost, path, `{"identity":"mallory","seat":"left"}`); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for occupied seat, got %d", rr.Code)
	}
	if rr = doJSON(t, router, http.MethodPost, path, `{"identity":"bob","seat":"top"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid seat, got %d", rr.Code)
	}
	if rr = doJSON(t, router, http.MethodPost, path, `{"seat":"right"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without identity, got %d", rr.Code)
	}
	if rr = doJSON(t, router, http.MethodPost, "/rooms/PNOPE1/join", `{"identity":"bob","seat":"right"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", rr.Code)
	}

	room, err := b.Room(created.ID)
	if err != nil {
		t.Fatalf("Room: %v", err)
	}
	if room.Players.Left.ID != "alice" {
		t.Fatalf("conflict must leave the occupant untouched, got %+v", room.Players.Left)
	}
}

func TestJoinRoomFallsBackToClientIDHeader(t *testing.T) {
	router, b, _ := newRoomRouter(t, nil)
	created, _ := b.CreateRoom(match.Metadata{})
	req := httptest.NewRequest(http.MethodPost, "/rooms/"+created.ID+"/join", strings.NewReader(`{"seat":"right"}`))
	req.Header.Set(broker.ClientIDHeader, "carol")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if snapshot := decodeSnapshot(t, rr); snapshot.Players.Right == nil || snapshot.Players.Right.ID != "carol" {
		t.Fatalf("expected header identity on the right seat, got %+v", snapshot.Players.Right)
	}
}

func TestInputMovesPaddleAndIgnoresStrangers(t *testing.T) {
	router, b, _ := newRoomRouter(t, nil)
	created, _ := b.CreateRoom(match.Metadata{})
	if _, err := b.ReserveSeat(created.ID, match.SeatLeft, "alice", match.Profile{}); err != nil {
		t.Fatalf("ReserveSeat: %v", err)
	}
	path := "/rooms/" + created.ID + "/input"

	type state struct {
		Status string   `json:"status"`
		LeftY  *float64 `json:"leftY"`
		RightY *float64 `json:"rightY"`
	}
	decodeState := func(rr *httptest.ResponseRecorder) state {
		t.Helper()
		var s state
		if err := json.NewDecoder(rr.Body).Decode(&s); err != nil {
			t.Fatalf("decode state: %v", err)
		}
		return s
	}

	rr := doJSON(t, router, http.MethodPost, path, `{"identity":"alice","y":9999}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	moved := decodeState(rr)
	if moved.LeftY == nil || *moved.LeftY != 480 || moved.RightY != nil {
		t.Fatalf("expected clamped left paddle only, got %+v", moved)
	}

	rr = doJSON(t, router, http.MethodPost, path, `{"identity":"stranger","y":10}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected ignored move to be accepted, got %d", rr.Code)
	}
	if ignored := decodeState(rr); ignored.LeftY == nil || *ignored.LeftY != 480 {
		t.Fatalf("ignored move changed state: %+v", ignored)
	}

	if rr = doJSON(t, router, http.MethodPost, path, `{"identity":"alice","y":"up"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric y, got %d", rr.Code)
	}
	if rr = doJSON(t, router, http.MethodPost, "/rooms/PNOPE1/input", `{"identity":"alice","y":1}`); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", rr.Code)
	}

	if rr = doJSON(t, router, http.MethodPost, path, `{"identity":"alice","direction":"up"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for directional input, got %d", rr.Code)
	}

	rr = doJSON(t, router, http.MethodGet, "/rooms/"+created.ID+"/state", "")
	if current := decodeState(rr); current.Status != "waiting" || current.LeftY == nil || *current.LeftY != 480 {
		t.Fatalf("unexpected state %+v", current)
	}
}

func TestCreateRoomRateLimitedPerClient(t *testing.T) {
	now := time.Date(2024, time.June, 1, 18, 0, 0, 0, time.UTC)
	router, _, _ := newRoomRouter(t, NewKeyedLimiter(time.Minute, 1, func() time.Time { return now }))

	create := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/rooms", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr.Code
	}
	if code := create("10.1.1.1:5000"); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if code := create("10.1.1.1:5001"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same host, got %d", code)
	}
	if code := create("10.1.1.2:5000"); code != http.StatusCreated {
		t.Fatalf("expected another host to be allowed, got %d", code)
	}
}

func TestSocketRouteDelegatesToGateway(t *testing.T) {
	router, _, gateway := newRoomRouter(t, nil)
	rr := doJSON(t, router, http.MethodGet, "/rooms/PABCDE/ws?role=viewer", "")
	if rr.Code != http.StatusSwitchingProtocols || len(gateway.rooms) != 1 || gateway.rooms[0] != "PABCDE" {
		t.Fatalf("expected gateway to serve PABCDE, got code %d rooms %v", rr.Code, gateway.rooms)
	}
}
