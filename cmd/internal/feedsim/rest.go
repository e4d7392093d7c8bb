package feedsim

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"emconsole/cmd/internal/restapi"
	v1 "emconsole/shared/contracts/feed/v1"
)

// REST serves the monitoring, device and auth endpoints the console calls.
type REST struct {
	log   *slog.Logger
	store *MeasurementStore
	dir   *Directory

	// RequireAuth rejects calls without a token issued by login.
	RequireAuth bool

	mu     sync.RWMutex
	tokens map[string]User
}

// NewREST constructs the REST simulator.
func NewREST(log *slog.Logger, store *MeasurementStore, dir *Directory) *REST {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = NewMeasurementStore()
	}
	if dir == nil {
		dir = NewDirectory()
	}
	return &REST{log: log, store: store, dir: dir, tokens: make(map[string]User)}
}

// Handler mounts the endpoints under the paths of cfg.
func (s *REST) Handler(cfg restapi.Config) http.Handler {
	def := restapi.DefaultConfig()
	mon := firstNonEmpty(cfg.MonitoringPath, def.MonitoringPath)
	dev := firstNonEmpty(cfg.DevicePath, def.DevicePath)
	auth := firstNonEmpty(cfg.AuthPath, def.AuthPath)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+mon+"/device/{id}/daily", s.authed(s.handleDaily))
	mux.HandleFunc("GET "+mon+"/device/{id}/stats", s.authed(s.handleStats))
	mux.HandleFunc("GET "+dev, s.authed(s.handleDevices))
	mux.HandleFunc("GET "+dev+"/user/{id}", s.authed(s.handleDevicesByUser))
	mux.HandleFunc("POST "+auth+"/login", s.handleLogin)
	return mux
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

func (s *REST) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.RequireAuth {
			next(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.RLock()
		_, known := s.tokens[strings.TrimSpace(token)]
		s.mu.RUnlock()
		if !ok || !known {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *REST) handleDaily(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if _, err := time.Parse(v1.DateLayout, date); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid date format. Use YYYY-MM-DD"})
		return
	}
	samples := s.store.Daily(r.PathValue("id"), date)
	if samples == nil {
		samples = []v1.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *REST) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats(r.PathValue("id")))
}

func (s *REST) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.dir.Devices()
	if devices == nil {
		devices = []restapi.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *REST) handleDevicesByUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid user id"})
		return
	}
	writeJSON(w, http.StatusOK, s.dir.DevicesOf(id.String()))
}

func (s *REST) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
		return
	}
	if strings.TrimSpace(in.Password) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"validationErrors": map[string]string{"password": "Password is required"},
		})
		return
	}
	u, ok := s.dir.Authenticate(in.Username, in.Password)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid credentials"})
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = u
	s.mu.Unlock()

	s.log.Info("sim.rest.login", "user_id", u.ID, "role", u.Role)
	writeJSON(w, http.StatusOK, restapi.Session{Token: token, UserID: u.ID, Role: u.Role})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
