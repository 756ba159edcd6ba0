package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/pgmflow/internal/auth"
	"github.com/loykin/pgmflow/internal/history"
	"github.com/loykin/pgmflow/internal/store"
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleHealth(c *gin.Context) {
	if err := r.st.Ping(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLogin(c *gin.Context) {
	if r.authSvc == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "auth disabled"})
		return
	}
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	id, token, err := r.authSvc.Login(c.Request.Context(), req)
	if err != nil {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: "invalid credentials"})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"identity": id, "token": token})
}

func (r *Router) handleListRecords(c *gin.Context) {
	var f store.ProgramFilter
	if v := c.Query("status"); v != "" {
		f.Status = store.Status(v)
	}
	if v := c.Query("task"); v != "" {
		f.NextTask = store.NextTask(v)
	}
	if v := c.Query("type"); v != "" {
		f.PgmType = store.PgmType(v)
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		f.Limit = n
	}
	recs, err := r.st.ListPrograms(c.Request.Context(), f)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

// recordDetail is the full view of one draft.
type recordDetail struct {
	Record      store.Program      `json:"record"`
	StageEvents []store.StageEvent `json:"stage_events"`
	DetailsAT   []store.DetailRow  `json:"details_at,omitempty"`
	DetailsET   []store.DetailRow  `json:"details_et,omitempty"`
	Alarms      []store.Alarm      `json:"alarms,omitempty"`
}

func (r *Router) handleGetRecord(c *gin.Context) {
	draftID := c.Param("id")
	ctx := c.Request.Context()
	rec, err := r.st.GetProgram(ctx, draftID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown draft: " + draftID})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	events, err := r.st.StageEvents(ctx, draftID)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	detAT, err := r.st.Details(ctx, draftID, store.PgmTypeAT)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	detET, err := r.st.Details(ctx, draftID, store.PgmTypeET)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	alarms, err := r.st.Alarms(ctx, draftID)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, recordDetail{
		Record:      rec,
		StageEvents: events,
		DetailsAT:   detAT,
		DetailsET:   detET,
		Alarms:      alarms,
	})
}

func (r *Router) handleApprove(c *gin.Context) {
	r.setApplyFlag(c, true)
}

func (r *Router) handleRevoke(c *gin.Context) {
	r.setApplyFlag(c, false)
}

func (r *Router) setApplyFlag(c *gin.Context, flag bool) {
	draftID := c.Param("id")
	ctx := c.Request.Context()
	rec, err := r.st.GetProgram(ctx, draftID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown draft: " + draftID})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	// approval only makes sense before the record leaves VERIFIED
	if flag && rec.Status.Terminal() {
		writeJSON(c, http.StatusConflict, errorResp{Error: "record is terminal"})
		return
	}
	if err := r.st.SetApplyFlag(ctx, draftID, flag); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleOpenAlarms(c *gin.Context) {
	alarms, err := r.st.AllOpenAlarms(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, alarms)
}

type resolveReq struct {
	ResolvedBy string `json:"resolved_by"`
}

func (r *Router) handleResolveAlarm(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid alarm id"})
		return
	}
	var req resolveReq
	// body is optional; fall back to the authenticated user below
	_ = c.ShouldBindJSON(&req)
	if req.ResolvedBy == "" {
		if ident, ok := auth.IdentityFrom(c); ok {
			req.ResolvedBy = ident.Username
		}
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "operator"
	}
	now := time.Now().UTC()
	if err := r.st.ResolveAlarm(c.Request.Context(), id, req.ResolvedBy, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "no open alarm with that id"})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	r.recordResolution(c.Request.Context(), id, req.ResolvedBy)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) recordResolution(ctx context.Context, id int64, by string) {
	if r.sink == nil {
		return
	}
	_ = r.sink.Send(ctx, history.Event{
		Type:       history.EventAlarm,
		OccurredAt: time.Now().UTC(),
		Message:    "alarm " + strconv.FormatInt(id, 10) + " resolved by " + by,
	})
}
