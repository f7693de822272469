package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"triones-go-home/internal/automation"
)

const maxScriptBody = 1 << 20

// scriptView is a stored script plus what the engine is doing with it.
// StartError is set when an enabled script failed to start after a save.
type scriptView struct {
	*automation.Script
	Running    bool   `json:"running"`
	StartError string `json:"start_error,omitempty"`
}

type scriptRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) viewScript(sc *automation.Script) scriptView {
	v := scriptView{Script: sc}
	if s.autoEngine != nil {
		v.Running = s.autoEngine.Running(sc.ID)
	}
	return v
}

// scriptsAvailable writes 503 and returns false when automation is not wired.
func (s *Server) scriptsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automation not available"})
		return false
	}
	return true
}

// lookupScript writes 404 and returns nil when id does not exist.
func (s *Server) lookupScript(w http.ResponseWriter, id string) *automation.Script {
	sc, err := s.scriptMgr.Get(id)
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return nil
	case err != nil:
		s.logger.Error("read script", "id", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return nil
	}
	return sc
}

func (s *Server) decodeScript(w http.ResponseWriter, r *http.Request) (scriptRequest, bool) {
	var req scriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxScriptBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return req, false
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return req, false
	}
	return req, true
}

// saveScript saves sc and brings the engine in line with its enabled flag. A
// compile error is the caller's fault (400); a script that compiles but
// fails at startup is saved and reported through StartError.
func (s *Server) saveScript(w http.ResponseWriter, sc *automation.Script, status int) {
	saved, err := s.scriptMgr.Save(sc)
	switch {
	case errors.Is(err, automation.ErrInvalidScript):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("save script", "id", sc.ID, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	var startErr error
	if saved.Meta.Enabled {
		startErr = s.autoEngine.ReloadScript(saved.ID)
	} else {
		s.autoEngine.StopScript(saved.ID)
	}
	v := s.viewScript(saved)
	if startErr != nil {
		s.logger.Warn("script saved but not started", "id", saved.ID, "err", startErr)
		v.StartError = startErr.Error()
	}
	s.writeJSON(w, status, v)
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []scriptView{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	views := make([]scriptView, len(scripts))
	for i, sc := range scripts {
		views[i] = s.viewScript(sc)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	if sc := s.lookupScript(w, r.PathValue("id")); sc != nil {
		s.writeJSON(w, http.StatusOK, s.viewScript(sc))
	}
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	s.saveScript(w, &automation.Script{
		Meta:    automation.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled},
		LuaCode: req.LuaCode,
	}, http.StatusCreated)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	sc := s.lookupScript(w, r.PathValue("id"))
	if sc == nil {
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	sc.Meta = automation.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled}
	sc.LuaCode = req.LuaCode
	s.saveScript(w, sc, http.StatusOK)
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	sc := s.lookupScript(w, r.PathValue("id"))
	if sc == nil {
		return
	}
	sc.Meta.Enabled = !sc.Meta.Enabled
	s.saveScript(w, sc, http.StatusOK)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	s.autoEngine.StopScript(id)
	err := s.scriptMgr.Delete(id)
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
	case err != nil:
		s.logger.Error("delete script", "id", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	default:
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	}
}

// handleAPIRunAutomation runs a saved script once in a throwaway VM. The id
// "_inline" runs lua_code from the body instead, so an editor can try a
// scene before saving it.
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if id != "_inline" {
		if s.lookupScript(w, id) != nil {
			s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
		}
		return
	}

	var req struct {
		LuaCode string `json:"lua_code"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxScriptBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := automation.CheckSyntax(req.LuaCode); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
}
