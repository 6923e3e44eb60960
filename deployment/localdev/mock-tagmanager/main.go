package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tourline/migration-guard/internal/tagmanager"
)

type faults struct {
	DataLayerAvailable *bool `json:"data_layer_available"`
	PushWorks          *bool `json:"push_works"`
	ScriptLoaded       *bool `json:"script_loaded"`
	Registered         *bool `json:"registered"`
}

func main() {
	addr := os.Getenv("MOCK_TAGMANAGER_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	rt := tagmanager.NewMemory(os.Getenv("MOCK_TAGMANAGER_CONTAINER_ID"))
	if id := os.Getenv("MOCK_LEGACY_CONVERSION_ID"); id != "" {
		rt.SetLegacy(tagmanager.LegacyState{
			Installed: true,
			Callable:  true,
			Config:    &tagmanager.LegacyConfig{ConversionID: id},
		})
	}
	paths := tagmanager.DefaultHTTPPaths()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc(paths.Container, func(w http.ResponseWriter, r *http.Request) {
		if !enforce(w, r, http.MethodGet) {
			return
		}
		state, _ := rt.Container(r.Context())
		_, err := rt.EventLog(r.Context())
		writeJSON(w, map[string]any{
			"script_loaded":        state.ScriptLoaded,
			"registered":           state.Registered,
			"paused":               state.Paused,
			"data_layer_available": err == nil,
		})
	})

	mux.HandleFunc(paths.Pause, func(w http.ResponseWriter, r *http.Request) {
		if !enforce(w, r, http.MethodPost) {
			return
		}
		if err := rt.PauseContainer(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc(paths.DataLayer, func(w http.ResponseWriter, r *http.Request) {
		dl, err := rt.EventLog(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		switch r.Method {
		case http.MethodGet:
			entries, err := dl.Entries(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"entries": entries})
		case http.MethodPost:
			var entry tagmanager.Entry
			if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if err := dl.Push(r.Context(), entry); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		case http.MethodDelete:
			removed, err := dl.RemoveBySystem(r.Context(), r.URL.Query().Get("system"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"removed": removed})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc(paths.Legacy, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			state, _ := rt.Legacy(r.Context())
			writeJSON(w, state)
		case http.MethodPut:
			var cfg tagmanager.LegacyConfig
			if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil || cfg.ConversionID == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if err := rt.InstallLegacy(r.Context(), cfg); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	// Fault injection for local rollback drills.
	mux.HandleFunc("/api/v1/tagmanager/faults", func(w http.ResponseWriter, r *http.Request) {
		if !enforce(w, r, http.MethodPost) {
			return
		}
		var f faults
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.DataLayerAvailable != nil {
			rt.SetDataLayerAvailable(*f.DataLayerAvailable)
		}
		if f.PushWorks != nil {
			rt.SetPushWorks(*f.PushWorks)
		}
		if f.ScriptLoaded != nil || f.Registered != nil {
			state, _ := rt.Container(r.Context())
			if f.ScriptLoaded != nil {
				state.ScriptLoaded = *f.ScriptLoaded
			}
			if f.Registered != nil {
				state.Registered = *f.Registered
			}
			rt.SetContainer(state)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	logger := log.New(log.Writer(), "tagmanager-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforce(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, tagmanager.ErrUnavailable) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
