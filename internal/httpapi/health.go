package httpapi

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/rcourtman/slipgate/internal/gatemetrics"
	"github.com/rcourtman/slipgate/internal/platform/discord"
	"github.com/rcourtman/slipgate/internal/registry"
)

// Pinger checks storage connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GatewayStatusFunc reports the chat gateway connection.
type GatewayStatusFunc func() discord.GatewayStatus

type processStatus struct {
	PID           int32   `json:"pid"`
	RSSBytes      uint64  `json:"rss_bytes"`
	CPUPercent    float64 `json:"cpu_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

type statusResponse struct {
	Version            string                       `json:"version"`
	Gateway            *discord.GatewayStatus       `json:"gateway,omitempty"`
	TotalOrders        int                          `json:"total_orders"`
	OrdersByStatus     map[registry.OrderStatus]int `json:"orders_by_status"`
	StoredEntitlements int                          `json:"stored_entitlements"`
	Process            *processStatus               `json:"process,omitempty"`
}

// HandleRoot is the platform keep-alive probe.
func HandleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Bot Running"))
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if store == nil || store.Ping(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus reports order counts, gateway state and process resource usage.
func HandleStatus(store *registry.Store, gateway GatewayStatusFunc, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeErrorResponse(w, r, http.StatusServiceUnavailable, "unavailable", "service unavailable")
			return
		}
		counts, err := store.Orders().CountByStatus(r.Context())
		if err != nil {
			writeFault(w, r, err)
			return
		}
		stored, err := store.Entitlements().Count(r.Context())
		if err != nil {
			writeFault(w, r, err)
			return
		}

		// Sync gauges on status calls as well as in the background updater.
		setOrderGauges(counts)
		gatemetrics.EntitlementsLive.Set(float64(stored))

		total := 0
		for _, c := range counts {
			total += c
		}
		resp := statusResponse{
			Version:            version,
			TotalOrders:        total,
			OrdersByStatus:     counts,
			StoredEntitlements: stored,
			Process:            collectProcessStatus(r.Context()),
		}
		if gateway != nil {
			gs := gateway()
			resp.Gateway = &gs
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// collectProcessStatus is best effort: a nil result just omits the section.
func collectProcessStatus(ctx context.Context) *processStatus {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		log.Debug().Err(err).Msg("Process stats unavailable")
		return nil
	}
	out := &processStatus{PID: proc.Pid, Goroutines: runtime.NumGoroutine()}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		out.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = cpu
	}
	if created, err := proc.CreateTimeWithContext(ctx); err == nil && created > 0 {
		out.UptimeSeconds = int64(time.Since(time.UnixMilli(created)).Seconds())
	}
	return out
}
