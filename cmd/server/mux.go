package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"claimsync.ai/internal/syncer"
)

type syncControl interface {
	Stats() syncer.Stats
	TriggerSync(identity string, forceFull bool) (*syncer.Job, error)
}

type serverDeps struct {
	sync   syncControl
	hub    interface{ Connected() int }
	engine interface{ IndexedClaims() int }
	mirror *mirrorRuntime
}

func buildMux(deps serverDeps, wsHandler http.HandlerFunc, logger *log.Logger, enableAdmin, enablePprof bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	if wsHandler != nil {
		mux.HandleFunc("/v1/ws", wsHandler)
	}

	if enableAdmin {
		mux.HandleFunc("/admin/v1/sync/stats", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			out := map[string]any{
				"sync":           deps.sync.Stats(),
				"connected":      deps.hub.Connected(),
				"indexed_claims": deps.engine.IndexedClaims(),
			}
			if st, ok := deps.mirror.Stats(); ok {
				out["mirror"] = st
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(out)
		})
		mux.HandleFunc("/admin/v1/sync", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			q := r.URL.Query()
			identity := strings.TrimSpace(q.Get("identity"))
			full, _ := strconv.ParseBool(q.Get("full"))
			wait, _ := strconv.ParseBool(q.Get("wait"))

			rw.Header().Set("Content-Type", "application/json")
			job, err := deps.sync.TriggerSync(identity, full)
			if err != nil {
				code := http.StatusBadRequest
				if errors.Is(err, syncer.ErrClosed) {
					code = http.StatusServiceUnavailable
				}
				rw.WriteHeader(code)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "identity": identity, "error": err.Error()})
				return
			}
			if !wait {
				rw.WriteHeader(http.StatusAccepted)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "identity": identity, "full": full})
				return
			}

			ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel2()
			select {
			case <-job.Done():
			case <-ctx2.Done():
				rw.WriteHeader(http.StatusGatewayTimeout)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "identity": identity, "error": "sync still running"})
				return
			}
			if err := job.Wait(); err != nil {
				logger.Printf("admin sync identity=%s: %v", identity, err)
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "identity": identity, "batches": job.Batches(), "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "identity": identity, "full": full, "batches": job.Batches()})
		})
	}

	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}
