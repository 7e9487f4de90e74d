package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/attache/internal/cron"
)

// registerAPIRoutes wires the REST surface. Route patterns use the
// method-prefixed mux syntax.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/config", s.handleConfig)

	mux.HandleFunc("GET /api/world-model", s.handleWorldModelGet)
	mux.HandleFunc("PUT /api/world-model", s.handleWorldModelPut)

	mux.HandleFunc("GET /api/heartbeat", s.handleHeartbeatGet)
	mux.HandleFunc("GET /api/heartbeat/content", s.handleHeartbeatContentGet)
	mux.HandleFunc("PUT /api/heartbeat/content", s.handleHeartbeatContentPut)
	mux.HandleFunc("GET /api/heartbeat/runs", s.handleHeartbeatRuns)

	mux.HandleFunc("GET /api/cron/jobs", s.handleCronList)
	mux.HandleFunc("POST /api/cron/jobs", s.handleCronAdd)
	mux.HandleFunc("DELETE /api/cron/jobs/{id}", s.handleCronRemove)
	mux.HandleFunc("PATCH /api/cron/jobs/{id}", s.handleCronPatch)
	mux.HandleFunc("POST /api/cron/jobs/{id}/trigger", s.handleCronTrigger)
	mux.HandleFunc("GET /api/cron/jobs/{id}/runs", s.handleCronRuns)

	mux.HandleFunc("GET /api/sessions", s.handleSessionsList)
	mux.HandleFunc("GET /api/sessions/read", s.handleSessionsRead)

	mux.HandleFunc("GET /api/archive/search", s.handleArchiveSearch)
	mux.HandleFunc("GET /api/archive/records/{id}", s.handleArchiveRead)

	mux.HandleFunc("GET /api/model", s.handleModelGet)
	mux.HandleFunc("PUT /api/model", s.handleModelPut)
	mux.HandleFunc("GET /api/model/aliases", s.handleAliasList)
	mux.HandleFunc("PUT /api/model/aliases/{name}", s.handleAliasPut)
	mux.HandleFunc("DELETE /api/model/aliases/{name}", s.handleAliasDelete)
	mux.HandleFunc("GET /api/model/fallbacks", s.handleFallbacksGet)
	mux.HandleFunc("PUT /api/model/fallbacks", s.handleFallbacksPut)

	mux.HandleFunc("GET /api/skills", s.handleSkillsList)
	mux.HandleFunc("GET /api/skills/{name}", s.handleSkillGet)
	mux.HandleFunc("PUT /api/skills/{name}", s.handleSkillPut)
	mux.HandleFunc("DELETE /api/skills/{name}", s.handleSkillDelete)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// decodeBody reads a capped JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

// --- health / status / config ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthPayload())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Runtime.State()
	status := map[string]any{
		"model":         state.Model,
		"thinkingLevel": state.ThinkingLevel,
		"fallbacks":     s.deps.Store.Fallbacks(),
		"queueDepth":    s.deps.Queue.Pending(),
		"sessions":      s.deps.Sessions.Count(),
		"uptime":        int64(time.Since(s.started).Seconds()),
		"heartbeat":     s.deps.Heartbeat.Config(),
		"cronJobs":      len(s.deps.Cron.ListJobs()),
	}
	if s.deps.Hub != nil {
		status["channels"] = s.deps.Hub.HealthReport()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Config.Masked())
}

// --- world model ---

func (s *Server) handleWorldModelGet(w http.ResponseWriter, r *http.Request) {
	text, err := s.deps.WorldModel.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load world model: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": text})
}

func (s *Server) handleWorldModelPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "content must not be empty")
		return
	}
	if err := s.deps.WorldModel.ReplaceContent(body.Content); err != nil {
		writeError(w, http.StatusInternalServerError, "save world model: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

// --- heartbeat ---

func (s *Server) handleHeartbeatGet(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Heartbeat.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":       cfg.Enabled,
		"intervalMs":    cfg.Interval.Milliseconds(),
		"activeStart":   cfg.ActiveStart,
		"activeEnd":     cfg.ActiveEnd,
		"delivery":      cfg.Delivery,
		"overrideModel": s.deps.Store.HeartbeatModel(),
	})
}

func (s *Server) handleHeartbeatContentGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"content": s.deps.Heartbeat.Instructions()})
}

func (s *Server) handleHeartbeatContentPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Heartbeat.SetInstructions(body.Content); err != nil {
		writeError(w, http.StatusInternalServerError, "save heartbeat instructions: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

func (s *Server) handleHeartbeatRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Heartbeat.Runs(queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read heartbeat runs: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// --- cron ---

func (s *Server) handleCronList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Cron.ListJobs()})
}

func (s *Server) handleCronAdd(w http.ResponseWriter, r *http.Request) {
	var job cron.Job
	if !decodeBody(w, r, &job) {
		return
	}
	created, err := s.deps.Cron.AddJob(job)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleCronRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Cron.RemoveJob(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleCronPatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled field is required")
		return
	}
	if err := s.deps.Cron.SetEnabled(r.PathValue("id"), *body.Enabled); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleCronTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Cron.TriggerJob(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
}

func (s *Server) handleCronRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Cron.Runs(r.PathValue("id"), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read cron runs: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// --- sessions ---

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	metas, err := s.deps.Sessions.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": metas})
}

// handleSessionsRead takes the key as a query param; keys contain colons
// that would need escaping in a path segment.
func (s *Server) handleSessionsRead(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key query param is required")
		return
	}
	turns, err := s.deps.Sessions.Read(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read session: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "turns": turns})
}

// --- archive ---

func (s *Server) handleArchiveSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q query param is required")
		return
	}
	records, err := s.deps.Archive.Search(r.Context(), q, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "archive search: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": records})
}

func (s *Server) handleArchiveRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	rec, err := s.deps.Archive.Read(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read record: %v", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no record with id %d", id)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- model ---

func (s *Server) handleModelGet(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Runtime.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"model":         state.Model,
		"thinkingLevel": state.ThinkingLevel,
	})
}

func (s *Server) handleModelPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	ref := strings.TrimSpace(body.Model)
	if ref == "" {
		writeError(w, http.StatusBadRequest, "model must not be empty")
		return
	}
	resolved := s.deps.Store.ResolveAlias(ref)
	s.deps.Runtime.SetModel(resolved)
	writeJSON(w, http.StatusOK, map[string]string{"model": resolved})
}

func (s *Server) handleAliasList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"aliases": s.deps.Store.Aliases()})
}

func (s *Server) handleAliasPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Ref string `json:"ref"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	name := r.PathValue("name")
	if strings.TrimSpace(body.Ref) == "" {
		writeError(w, http.StatusBadRequest, "ref must not be empty")
		return
	}
	if err := s.deps.Store.SetAlias(name, body.Ref); err != nil {
		writeError(w, http.StatusInternalServerError, "save alias: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alias": name, "ref": body.Ref})
}

func (s *Server) handleAliasDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteAlias(r.PathValue("name")); err != nil {
		writeError(w, http.StatusInternalServerError, "delete alias: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleFallbacksGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"fallbacks": s.deps.Store.Fallbacks()})
}

func (s *Server) handleFallbacksPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fallbacks []string `json:"fallbacks"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Store.SetFallbacks(body.Fallbacks); err != nil {
		writeError(w, http.StatusInternalServerError, "save fallbacks: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fallbacks": body.Fallbacks})
}

// --- skills ---

func (s *Server) handleSkillsList(w http.ResponseWriter, r *http.Request) {
	skills, err := s.skills.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list skills: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": skills})
}

func (s *Server) handleSkillGet(w http.ResponseWriter, r *http.Request) {
	content, err := s.skills.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": r.PathValue("name"), "content": content})
}

func (s *Server) handleSkillPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	name := r.PathValue("name")
	if err := s.skills.Put(name, body.Content); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

func (s *Server) handleSkillDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.skills.Delete(r.PathValue("name")); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
