package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"pongarena/broker/internal/broker"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/protocol"
)

// maxBodyBytes caps JSON request bodies on the room endpoints.
const maxBodyBytes = 8 << 10

// RoomService is the slice of the broker the REST surface drives.
type RoomService interface {
	CreateRoom(meta match.Metadata) (match.Snapshot, error)
	Room(roomID string) (match.Snapshot, error)
	Rooms() ([]match.Snapshot, error)
	DeleteRoom(roomID string) (bool, error)
	ReserveSeat(roomID string, seat match.Seat, identity string, profile match.Profile) (match.Snapshot, error)
	SubmitMove(roomID, identity string, y float64) (match.Snapshot, error)
}

// SocketGateway upgrades room socket requests.
type SocketGateway interface {
	ServeRoom(w http.ResponseWriter, r *http.Request, roomID string)
}

// KeyLimiter gates an operation per caller key.
type KeyLimiter interface {
	Allow(key string) bool
}

// RoomOptions configures the room handlers.
type RoomOptions struct {
	Logger        *logging.Logger
	Rooms         RoomService
	Gateway       SocketGateway
	CreateLimiter KeyLimiter
	Resolver      broker.IdentityResolver
}

// RoomHandlers serves room lifecycle and the decoupled seat/input surface.
type RoomHandlers struct {
	logger   *logging.Logger
	rooms    RoomService
	gateway  SocketGateway
	limiter  KeyLimiter
	resolver broker.IdentityResolver
}

// NewRoomHandlers constructs the room handlers.
func NewRoomHandlers(opts RoomOptions) *RoomHandlers {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = broker.ClientIDResolver{}
	}
	return &RoomHandlers{
		logger:   logger,
		rooms:    opts.Rooms,
		gateway:  opts.Gateway,
		limiter:  opts.CreateLimiter,
		resolver: resolver,
	}
}

// Register attaches the room routes to router.
func (h *RoomHandlers) Register(router *mux.Router) {
	if router == nil {
		return
	}
	router.HandleFunc("/rooms", h.createRoom).Methods(http.MethodPost)
	router.HandleFunc("/rooms", h.listRooms).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{roomId}", h.getRoom).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{roomId}", h.deleteRoom).Methods(http.MethodDelete)
	router.HandleFunc("/rooms/{roomId}/join", h.joinRoom).Methods(http.MethodPost)
	router.HandleFunc("/rooms/{roomId}/input", h.submitInput).Methods(http.MethodPost)
	router.HandleFunc("/rooms/{roomId}/state", h.roomState).Methods(http.MethodGet)
	if h.gateway != nil {
		router.HandleFunc("/rooms/{roomId}/ws", h.roomSocket).Methods(http.MethodGet)
	}
}

type createRoomRequest struct {
	Label string `json:"label"`
}

func (h *RoomHandlers) createRoom(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context())
	if h.limiter != nil && !h.limiter.Allow(clientHost(r)) {
		logger.Warn("room creation rate limited", logging.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusTooManyRequests, "too many rooms created, try again later")
		return
	}
	var req createRoomRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	createdBy, _ := h.resolver.Resolve(r)
	snapshot, err := h.rooms.CreateRoom(match.Metadata{Label: strings.TrimSpace(req.Label), CreatedBy: createdBy})
	if err != nil {
		h.fail(w, r, "create room", err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshot)
}

func (h *RoomHandlers) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.Rooms()
	if err != nil {
		h.fail(w, r, "list rooms", err)
		return
	}
	if rooms == nil {
		rooms = []match.Snapshot{}
	}
	writeJSON(w, http.StatusOK, struct {
		Rooms []match.Snapshot `json:"rooms"`
	}{Rooms: rooms})
}

func (h *RoomHandlers) getRoom(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.rooms.Room(mux.Vars(r)["roomId"])
	if err != nil {
		h.fail(w, r, "get room", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *RoomHandlers) deleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	deleted, err := h.rooms.DeleteRoom(roomID)
	if err != nil {
		h.fail(w, r, "delete room", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, protocol.ReasonNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type joinRequest struct {
	Identity string `json:"identity"`
	Seat     string `json:"seat"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
}

func (h *RoomHandlers) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	seat, err := match.ParseSeat(req.Seat)
	if err != nil {
		h.fail(w, r, "join room", err)
		return
	}
	identity := h.identity(r, req.Identity)
	snapshot, err := h.rooms.ReserveSeat(mux.Vars(r)["roomId"], seat, identity, match.Profile{Name: req.Name, Avatar: req.Avatar})
	if err != nil {
		h.fail(w, r, "join room", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type inputRequest struct {
	Identity string   `json:"identity"`
	Y        *float64 `json:"y"`
}

func (h *RoomHandlers) submitInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeBody(r, &req); err != nil || req.Y == nil || math.IsNaN(*req.Y) || math.IsInf(*req.Y, 0) {
		writeError(w, http.StatusBadRequest, "y must be a number")
		return
	}
	roomID := mux.Vars(r)["roomId"]
	identity := h.identity(r, req.Identity)
	snapshot, err := h.rooms.SubmitMove(roomID, identity, *req.Y)
	//1.- Moves from identities without a seat are accepted and have no effect.
	if errors.Is(err, match.ErrNotSeated) || errors.Is(err, match.ErrMissingIdentity) {
		snapshot, err = h.rooms.Room(roomID)
	}
	if err != nil {
		h.fail(w, r, "submit input", err)
		return
	}
	writeJSON(w, http.StatusAccepted, newStateResponse(snapshot))
}

func (h *RoomHandlers) roomState(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.rooms.Room(mux.Vars(r)["roomId"])
	if err != nil {
		h.fail(w, r, "room state", err)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(snapshot))
}

// stateResponse is the game view plus the paddle of every claimed seat.
type stateResponse struct {
	match.GameView
	LeftY  *float64 `json:"leftY,omitempty"`
	RightY *float64 `json:"rightY,omitempty"`
}

func newStateResponse(snapshot match.Snapshot) stateResponse {
	resp := stateResponse{GameView: snapshot.State}
	if left := snapshot.Players.Left; left != nil {
		y := left.PaddleY
		resp.LeftY = &y
	}
	if right := snapshot.Players.Right; right != nil {
		y := right.PaddleY
		resp.RightY = &y
	}
	return resp
}

func (h *RoomHandlers) roomSocket(w http.ResponseWriter, r *http.Request) {
	h.gateway.ServeRoom(w, r, mux.Vars(r)["roomId"])
}

func (h *RoomHandlers) identity(r *http.Request, explicit string) string {
	if id := strings.TrimSpace(explicit); id != "" {
		return id
	}
	id, _ := h.resolver.Resolve(r)
	return id
}

func (h *RoomHandlers) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.LoggerFromContext(r.Context()).Error(action+" failed", logging.Error(err))
	}
	writeError(w, status, protocol.ReasonFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, match.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, match.ErrSeatTaken):
		return http.StatusConflict
	case errors.Is(err, match.ErrInvalidSeat), errors.Is(err, match.ErrMissingIdentity):
		return http.StatusBadRequest
	case errors.Is(err, match.ErrUninitialized), errors.Is(err, match.ErrIDExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: message})
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
