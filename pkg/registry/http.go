package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/guardant/guardant/pkg/log"
	"github.com/guardant/guardant/pkg/metrics"
	"github.com/guardant/guardant/pkg/types"
)

// Server exposes the registry's public and operator HTTP surface.
type Server struct {
	registry  *Registry
	validate  *validator.Validate
	publicURL string
	http      *http.Server
}

// NewServer builds the HTTP surface on addr. publicURL is the externally
// reachable base URL baked into the install script.
func NewServer(addr, publicURL string, reg *Registry) *Server {
	s := &Server{
		registry:  reg,
		validate:  validator.New(),
		publicURL: publicURL,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/api/public/workers/register", s.handleRegister)
	r.Get("/install", s.handleInstall)
	r.Get("/api/admin/workers", s.handleList)
	r.Get("/api/admin/regions", s.handleRegions)
	r.Post("/api/admin/workers/{workerID}/approve", s.handleApprove)
	r.Post("/api/admin/workers/{workerID}/drain", s.handleDrain)
	r.Post("/api/admin/workers/{workerID}/revoke", s.handleRevoke)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	logger := log.WithComponent("registry-http")
	logger.Info().Str("addr", s.http.Addr).Msg("registry API listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.registry.Register(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	switch resp.Status {
	case types.WorkerActive:
		writeJSON(w, http.StatusOK, resp)
	case types.WorkerRevoked:
		writeError(w, http.StatusForbidden, "worker is revoked")
	default:
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{
		RegionID: r.URL.Query().Get("region"),
		Status:   types.WorkerStatus(r.URL.Query().Get("status")),
	}
	workers, err := s.registry.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers, "count": len(workers)})
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	capacity, err := s.registry.RegionCapacity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "capacity roll-up failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": capacity})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RegionID string `json:"regionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RegionID == "" {
		writeError(w, http.StatusBadRequest, "regionId is required")
		return
	}
	worker, err := s.registry.Approve(r.Context(), chi.URLParam(r, "workerID"), body.RegionID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	s.workerAction(w, r, s.registry.Drain)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.workerAction(w, r, s.registry.Revoke)
}

func (s *Server) workerAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	workerID := chi.URLParam(r, "workerID")
	if err := fn(r.Context(), workerID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workerId": workerID, "status": "ok"})
}

// handleInstall serves a bootstrap script so operators can onboard a worker
// host with a single curl | bash. email and region query params are baked
// into the script as defaults; environment variables still win.
func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/x-shellscript")
	fmt.Fprintf(w, installScript,
		s.publicURL,
		shellQuote(r.URL.Query().Get("email")),
		shellQuote(r.URL.Query().Get("region")))
}

// shellQuote single-quotes a value for safe embedding in the install script.
func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

const installScript = `#!/bin/sh
# GuardAnt worker installer. Usage:
#   curl -fsSL "%[1]s/install?email=you@example.com" | sh
set -eu

CONTROL_PLANE_URL="%[1]s"
INSTALL_DIR="${INSTALL_DIR:-/opt/guardant}"
DATA_DIR="${DATA_DIR:-/var/lib/guardant}"
OWNER_EMAIL="${OWNER_EMAIL:-%[2]s}"
REGION="${REGION:-%[3]s}"

if [ -z "$OWNER_EMAIL" ]; then
    echo "OWNER_EMAIL must be set" >&2
    exit 1
fi

ARCH=$(uname -m)
case "$ARCH" in
    x86_64) ARCH=amd64 ;;
    aarch64|arm64) ARCH=arm64 ;;
    *) echo "unsupported architecture: $ARCH" >&2; exit 1 ;;
esac

mkdir -p "$INSTALL_DIR" "$DATA_DIR"
curl -fsSL "$CONTROL_PLANE_URL/releases/guardant-worker-linux-$ARCH" -o "$INSTALL_DIR/guardant-worker"
chmod +x "$INSTALL_DIR/guardant-worker"

cat > "$INSTALL_DIR/worker.yaml" <<EOF
controlPlaneUrl: $CONTROL_PLANE_URL
ownerEmail: $OWNER_EMAIL
dataDir: $DATA_DIR
EOF
if [ -n "$REGION" ]; then
    echo "region: $REGION" >> "$INSTALL_DIR/worker.yaml"
fi

echo "installed to $INSTALL_DIR, start with:"
echo "  $INSTALL_DIR/guardant-worker run --config $INSTALL_DIR/worker.yaml"
`

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
