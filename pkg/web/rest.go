package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
	"github.com/ruppdi75/lumi-sync/pkg/manifest"
	"github.com/ruppdi75/lumi-sync/pkg/version"
)

// RESTAPI is the surface the GUI talks to. Long-running operations are
// submitted as actions and tracked by job ID over the websocket; only
// cheap reads are answered synchronously.
func RESTAPI(
	config *lumisync.ServerConfig,
	svc *lumisync.LumiSync,
	store *manifest.Store,
	ws *WSRelay,
	log logrus.FieldLogger,
) *api {
	a := api{
		mux:    http.NewServeMux(),
		config: config,
		svc:    svc,
		store:  store,
		ws:     ws,
		log:    log,
	}

	routes := map[string]http.HandlerFunc{
		"GET /version": a.getVersion,

		"POST /backup":              a.startBackup,
		"POST /restore":             a.startRestore,
		"POST /cancel/{jobID}":      a.cancelOperation,
		"GET /backups":              a.listBackups,
		"DELETE /backup/{backupID}": a.deleteBackup,

		"GET /jobs":         a.getJobs,
		"GET /jobs/active":  a.getActiveJobs,
		"GET /jobs/recent":  a.getRecentJobs,
		"GET /jobs/{jobID}": a.getJob,

		"/ws/changes": a.getChangesSocket,
	}
	for p, h := range routes {
		a.mux.HandleFunc(p, h)
	}
	log.Infof("Loaded %d API routes", len(routes))

	return &a
}

type api struct {
	mux    *http.ServeMux
	config *lumisync.ServerConfig
	svc    *lumisync.LumiSync
	store  *manifest.Store
	ws     *WSRelay
	log    logrus.FieldLogger
}

func (t api) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		handler := cors.AllowAll().Handler(t.mux)
		srv := &http.Server{Addr: fmt.Sprintf("%s:%d", t.config.Bind, t.config.Port), Handler: handler}
		go func() {
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				t.log.Fatalf("HTTP server ListenAndServe: %v", err)
			}
		}()
		started <- true
		ctx := <-stop
		srv.Shutdown(ctx)
		stopped <- true
	}()
	return nil
}

func (t api) getVersion(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, version.Get())
}

type backupRequest struct {
	Categories []string `json:"categories"`
}

func (t api) startBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "Error unmarshalling JSON: "+err.Error())
		return
	}

	categories := make([]lumisync.Category, 0, len(req.Categories))
	for _, c := range req.Categories {
		cat := lumisync.Category(c)
		if !lumisync.ValidCategory(cat) {
			sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Unknown category %q", c))
			return
		}
		categories = append(categories, cat)
	}

	id := t.svc.AddAction(lumisync.StartBackup{Categories: categories})
	sendResponse(w, map[string]any{
		"success": true,
		"id":      id,
	})
}

type restoreRequest struct {
	BackupID string `json:"backupId"`
	Policy   string `json:"policy"`
}

func (t api) startRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "Error unmarshalling JSON: "+err.Error())
		return
	}
	if req.BackupID == "" {
		sendErrorResponse(w, http.StatusBadRequest, "Backup ID is required")
		return
	}

	id := t.svc.AddAction(lumisync.StartRestore{BackupID: req.BackupID, Policy: req.Policy})
	sendResponse(w, map[string]any{
		"success": true,
		"id":      id,
	})
}

func (t api) cancelOperation(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	if jobID == "" {
		sendErrorResponse(w, http.StatusBadRequest, "Job ID required")
		return
	}
	id := t.svc.AddAction(lumisync.CancelOperation{JobID: jobID})
	sendResponse(w, map[string]any{
		"success": true,
		"id":      id,
	})
}

// listBackups answers synchronously: the GUI needs the list to render
// the restore picker without waiting on the job pipeline.
func (t api) listBackups(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()
	backups, err := t.store.ListAvailable(ctx)
	if err != nil {
		sendErrorResponse(w, http.StatusBadGateway, "Failed to list backups: "+err.Error())
		return
	}
	sendResponse(w, map[string]any{
		"success": true,
		"backups": backups,
	})
}

func (t api) deleteBackup(w http.ResponseWriter, r *http.Request) {
	backupID := r.PathValue("backupID")
	if backupID == "" {
		sendErrorResponse(w, http.StatusBadRequest, "Backup ID required")
		return
	}
	id := t.svc.AddAction(lumisync.DeleteBackup{BackupID: backupID})
	sendResponse(w, map[string]any{
		"success": true,
		"id":      id,
	})
}

func (t api) getJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := t.svc.JobManager.GetAllJobs()
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve jobs")
		return
	}
	sendResponse(w, map[string]any{
		"success": true,
		"jobs":    jobs,
	})
}

func (t api) getActiveJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := t.svc.JobManager.GetActiveJobs()
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve active jobs")
		return
	}
	sendResponse(w, map[string]any{
		"success": true,
		"jobs":    jobs,
	})
}

func (t api) getRecentJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	jobs, err := t.svc.JobManager.GetRecentJobs(limit)
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve recent jobs")
		return
	}
	sendResponse(w, map[string]any{
		"success": true,
		"jobs":    jobs,
	})
}

func (t api) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	if jobID == "" {
		sendErrorResponse(w, http.StatusBadRequest, "Job ID required")
		return
	}
	job, err := t.svc.JobManager.GetJob(jobID)
	if err != nil {
		sendErrorResponse(w, http.StatusNotFound, "Job not found")
		return
	}
	sendResponse(w, map[string]any{
		"success": true,
		"job":     job,
	})
}

func (t api) getChangesSocket(w http.ResponseWriter, r *http.Request) {
	initialPayload := func() any {
		active, err := t.svc.JobManager.GetActiveJobs()
		if err != nil {
			active = nil
		}
		return lumisync.Change{ID: "internal", Type: "bootstrap", Update: map[string]any{
			"version":    version.Get(),
			"activeJobs": active,
		}}
	}
	t.ws.GetWSHandler(initialPayload).ServeHTTP(w, r)
}

func sendResponse(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func sendErrorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}
