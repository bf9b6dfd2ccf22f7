package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"sigil/internal/delivery"
	"sigil/internal/domain"
	"sigil/internal/protocol/wire"
	"sigil/internal/services/bundle"
)

// Server is the relay's HTTP surface: the key bundle directory and the
// delivery websocket.
type Server struct {
	keys     domain.BundleService
	hub      *delivery.Hub
	pipeline *delivery.Pipeline
	upgrader websocket.Upgrader
	log      *logging.Logger
	router   *mux.Router
}

// New returns a server. hub must be running before connections arrive.
func New(keys domain.BundleService, hub *delivery.Hub, pipeline *delivery.Pipeline, log *logging.Logger) *Server {
	s := &Server{
		keys:     keys,
		hub:      hub,
		pipeline: pipeline,
		log:      log,
		router:   mux.NewRouter(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Devices are not browsers.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	const device = "/v1/keys/{user}/{device:[0-9]+}"
	s.router.HandleFunc(device, s.publish).Methods(http.MethodPut)
	s.router.HandleFunc(device, s.refill).Methods(http.MethodPost)
	s.router.HandleFunc(device, s.fetch).Methods(http.MethodGet)
	s.router.HandleFunc(device+"/count", s.count).Methods(http.MethodGet)
	s.router.HandleFunc(device+"/signed", s.rotate).Methods(http.MethodPut)
	s.router.HandleFunc("/v1/keys/{user}", s.fetchAll).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/devices/{user}", s.devices).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/ws", s.connect).Methods(http.MethodGet)
	s.router.Use(s.accessLog)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func address(r *http.Request) (domain.Address, error) {
	vars := mux.Vars(r)
	d, err := strconv.ParseUint(vars["device"], 10, 32)
	if err != nil {
		return domain.Address{}, fmt.Errorf("%w: device %q", domain.ErrInvalidAddress, vars["device"])
	}
	addr := domain.Address{User: domain.UserID(vars["user"]), Device: domain.DeviceID(d)}
	if !addr.Valid() {
		return domain.Address{}, domain.ErrInvalidAddress
	}
	return addr, nil
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	addr, err := address(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req domain.PublishRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.keys.PublishBundle(r.Context(), addr, req); err != nil {
		s.fail(w, err)
		return
	}
	s.log.Infof("Published bundle for %s with %d one-time pre-keys", addr, len(req.PreKeys))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refill(w http.ResponseWriter, r *http.Request) {
	addr, err := address(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req struct {
		PreKeys []domain.OneTimePreKeyPublic `json:"pre_keys"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	added, err := s.keys.RefillPreKeys(r.Context(), addr, req.PreKeys)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, struct {
		Added int `json:"added"`
	}{added})
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	addr, err := address(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	b, err := s.keys.FetchBundle(r.Context(), addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, b)
}

func (s *Server) fetchAll(w http.ResponseWriter, r *http.Request) {
	bundles, err := s.keys.FetchBundles(r.Context(), domain.UserID(mux.Vars(r)["user"]))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, struct {
		Devices []domain.PreKeyBundle `json:"devices"`
	}{bundles})
}

func (s *Server) count(w http.ResponseWriter, r *http.Request) {
	addr, err := address(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	n, err := s.keys.PreKeyCount(r.Context(), addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, struct {
		Count int `json:"count"`
	}{n})
}

func (s *Server) rotate(w http.ResponseWriter, r *http.Request) {
	addr, err := address(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var spk domain.SignedPreKeyPublic
	if !s.decode(w, r, &spk) {
		return
	}
	if err := s.keys.RotateSignedPreKey(r.Context(), addr, spk); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) devices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.keys.Devices(r.Context(), domain.UserID(mux.Vars(r)["user"]))
	if err != nil {
		s.fail(w, err)
		return
	}
	if devices == nil {
		devices = []domain.DeviceID{}
	}
	s.reply(w, struct {
		Devices []domain.DeviceID `json:"devices"`
	}{devices})
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	d, err := strconv.ParseUint(q.Get("device"), 10, 32)
	addr := domain.Address{User: domain.UserID(q.Get("user")), Device: domain.DeviceID(d)}
	if err != nil || !addr.Valid() {
		s.fail(w, domain.ErrInvalidAddress)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response.
		s.log.Debugf("Websocket upgrade for %s failed: %v", addr, err)
		return
	}
	if _, err := delivery.Serve(s.hub, ws, addr, s.pipeline); err != nil {
		s.log.Warningf("Failed to serve %s: %v", addr, err)
		return
	}
	s.log.Debugf("Device %s connected from %s", addr, r.RemoteAddr)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.fail(w, fmt.Errorf("%w: %v", bundle.ErrInvalidRequest, err))
		return false
	}
	return true
}

func (s *Server) reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debugf("Failed to write response: %v", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, wire.CodeInternal
	switch {
	case errors.Is(err, domain.ErrNoSessionAndNoRemoteBundle):
		status, code = http.StatusNotFound, wire.CodeNotFound
	case errors.Is(err, domain.ErrSignatureInvalid):
		status, code = http.StatusBadRequest, wire.CodeSignatureInvalid
	case errors.Is(err, domain.ErrInvalidAddress), errors.Is(err, bundle.ErrInvalidRequest):
		status, code = http.StatusBadRequest, wire.CodeInvalidRequest
	default:
		s.log.Errorf("Request failed: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(wire.ErrorBody{Error: err.Error(), Code: code})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket upgrade needs the underlying writer's Hijacker.
		if websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.log.Debugf("%s %s %s %d %dB %v", r.RemoteAddr, r.Method, r.URL.Path, rec.status, rec.bytes, time.Since(start))
	})
}
