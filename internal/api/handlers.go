package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/soyeahso/agentcron/internal/config"
	"github.com/soyeahso/agentcron/internal/domain"
	"github.com/soyeahso/agentcron/internal/hooks"
	"github.com/soyeahso/agentcron/internal/scheduler"
	"github.com/soyeahso/agentcron/internal/store"
	"github.com/soyeahso/agentcron/internal/version"
)

const (
	dayLayout        = "2006-01-02"
	defaultRunLimit  = 50
	maxRunLimit      = 500
	maxDocumentBytes = 1 << 20
)

// AgentView is one agent as listed by the API.
type AgentView struct {
	domain.AgentDefinition
	Stats       domain.AgentStats `json:"stats"`
	Active      int               `json:"active"`
	TokensToday int               `json:"tokensToday"`
	NextRun     *time.Time        `json:"nextRun,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if err := s.deps.Runs.Ping(c.Request.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"version":   version.Version,
		"scheduled": s.deps.Scheduler.Scheduled(),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"clients":   s.clients.count(),
	})
}

func (s *Server) listAgents(c *gin.Context) {
	stats, err := s.deps.Runs.GetAgentStats(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	byAgent := make(map[string]domain.AgentStats, len(stats))
	for _, st := range stats {
		byAgent[st.Agent] = st
	}

	defs := s.deps.Scheduler.Definitions()
	views := make([]AgentView, 0, len(defs))
	for _, d := range defs {
		st, ok := byAgent[d.Name]
		if !ok {
			st = domain.AgentStats{Agent: d.Name}
		}
		v := AgentView{
			AgentDefinition: d,
			Stats:           st,
			Active:          s.deps.Scheduler.Active(d.Name),
			TokensToday:     s.deps.Budget.Usage(d.Name),
		}
		if next, ok := s.deps.Scheduler.NextRun(d.Name); ok {
			v.NextRun = &next
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"agents": views})
}

func (s *Server) triggerAgent(c *gin.Context) {
	name := c.Param("name")
	runID, err := s.deps.Scheduler.TriggerManually(name)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"runId": runID, "agent": name})
	case errors.Is(err, scheduler.ErrUnknownAgent):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrAgentBusy), errors.Is(err, scheduler.ErrAgentDisabled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.internalError(c, err)
	}
}

// parseRunFilter reads the run listing query. The day window is inclusive
// on both ends.
func parseRunFilter(c *gin.Context) (domain.RunFilter, error) {
	f := domain.RunFilter{
		Agent:  c.Query("agent"),
		Status: domain.RunStatus(c.Query("status")),
		Limit:  defaultRunLimit,
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, errors.New("unknown status " + strconv.Quote(string(f.Status)))
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(dayLayout, v)
		if err != nil {
			return f, errors.New("since must be YYYY-MM-DD")
		}
		f.Since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(dayLayout, v)
		if err != nil {
			return f, errors.New("until must be YYYY-MM-DD")
		}
		f.Until = t.AddDate(0, 0, 1)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Since.Before(f.Until) {
		return f, errors.New("since must not be after until")
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = min(n, maxRunLimit)
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

func (s *Server) listRuns(c *gin.Context) {
	f, err := parseRunFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	runs, err := s.deps.Runs.GetRuns(c.Request.Context(), f)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.deps.Runs.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// streamTranscript writes one JSON entry per line, flushing as it goes.
func (s *Server) streamTranscript(c *gin.Context) {
	id := c.Param("id")
	started := false
	enc := json.NewEncoder(c.Writer)

	err := s.deps.Runs.GetTranscript(c.Request.Context(), id, func(e domain.TranscriptEntry) error {
		if !started {
			c.Header("Content-Type", "application/x-ndjson")
			c.Status(http.StatusOK)
			started = true
		}
		if err := enc.Encode(e); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})

	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	case err != nil && !started:
		s.internalError(c, err)
	case err != nil:
		s.log.Warn().Err(err).Str("run", id).Msg("transcript stream interrupted")
	case !started:
		c.Header("Content-Type", "application/x-ndjson")
		c.Status(http.StatusOK)
		c.Writer.WriteHeaderNow()
	}
}

func (s *Server) dailyCosts(c *gin.Context) {
	day := c.Query("date")
	if day == "" {
		day = domain.DayKey(time.Now())
	} else if _, err := time.Parse(dayLayout, day); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	buckets, err := s.deps.Runs.GetDailyCosts(c.Request.Context(), day)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if buckets == nil {
		buckets = []domain.CostBucket{}
	}
	var total float64
	for _, b := range buckets {
		total += b.CostUSD
	}
	c.JSON(http.StatusOK, gin.H{"date": day, "totalUsd": total, "buckets": buckets})
}

func (s *Server) budgetSnapshot(c *gin.Context) {
	month := domain.MonthKey(time.Now())
	spent, err := s.deps.Runs.MonthToDateCost(c.Request.Context(), month)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"daily": s.deps.Budget.Snapshot(),
		"monthly": gin.H{
			"month":    month,
			"spentUsd": spent,
			"capUsd":   s.deps.MonthlyCostCap,
		},
	})
}

func (s *Server) reload(c *gin.Context) {
	if err := s.deps.Fleet.Reload(c.Request.Context()); err != nil {
		if s.deps.Hooks != nil {
			s.deps.Hooks.Emit(c.Request.Context(), hooks.EventReloadFailed, map[string]any{
				"source": "api",
				"error":  err.Error(),
			})
		}
		rejectDocument(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "fleet": s.deps.Fleet.Status()})
}

func (s *Server) getDocument(doc string) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := s.deps.Fleet.Document(doc)
		if err != nil {
			s.internalError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/yaml", data)
	}
}

func (s *Server) putDocument(doc string) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDocumentBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(data) > maxDocumentBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "document too large"})
			return
		}
		if err := s.deps.Fleet.ReplaceDocument(c.Request.Context(), doc, data); err != nil {
			rejectDocument(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "applied", "document": doc, "fleet": s.deps.Fleet.Status()})
	}
}

// rejectDocument answers 422 and lists validation issues when present.
func rejectDocument(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		body["document"] = verr.Document
		body["issues"] = verr.Issues
	}
	c.JSON(http.StatusUnprocessableEntity, body)
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
