package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hupe1980/agentflow/bus"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/intent"
	"github.com/hupe1980/agentflow/workflow"
)

// StartRequest is the body of POST /workflows/:id/executions.
type StartRequest struct {
	Variables map[string]any `json:"variables"`
}

// GoalRequest is the body of POST /goals.
type GoalRequest struct {
	Text string `json:"text" binding:"required"`
}

// GoalResponse is returned for an accepted goal.
type GoalResponse struct {
	Goal          core.Goal            `json:"goal"`
	Understanding intent.Understanding `json:"understanding"`
}

const maxDefinitionSize = 1 << 20

// registerWorkflow accepts a definition as JSON or YAML.
func (s *Server) registerWorkflow(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDefinitionSize))
	if err != nil {
		s.fail(c, core.NewValidationError("api.register_workflow", err.Error()))
		return
	}
	def, err := workflow.ParseDefinitionYAML(data)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.sys.Workflows.Register(c.Request.Context(), def); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (s *Server) listWorkflows(c *gin.Context) {
	defs, err := s.sys.Workflows.Definitions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, defs)
}

func (s *Server) getWorkflow(c *gin.Context) {
	def, err := s.sys.Workflows.Definition(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) startExecution(c *gin.Context) {
	var req StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, core.NewValidationError("api.start_execution", err.Error()))
			return
		}
	}
	exec, err := s.sys.Workflows.Start(c.Request.Context(), c.Param("id"), req.Variables)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

func (s *Server) listExecutions(c *gin.Context) {
	var statuses []core.ExecutionStatus
	if raw := c.Query("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			statuses = append(statuses, core.ExecutionStatus(strings.TrimSpace(st)))
		}
	}
	execs, err := s.sys.Workflows.Executions(c.Request.Context(), statuses...)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, execs)
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.sys.Workflows.Execution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) executionLogs(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		s.fail(c, err)
		return
	}
	logs, err := s.sys.Workflows.Logs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) pauseExecution(c *gin.Context) {
	s.control(c, s.sys.Workflows.Pause)
}

func (s *Server) resumeExecution(c *gin.Context) {
	s.control(c, s.sys.Workflows.Resume)
}

func (s *Server) cancelExecution(c *gin.Context) {
	s.control(c, s.sys.Workflows.Cancel)
}

func (s *Server) restoreExecution(c *gin.Context) {
	s.control(c, s.sys.Workflows.Restore)
}

func (s *Server) control(c *gin.Context, fn func(ctx context.Context, id string) (*core.WorkflowExecution, error)) {
	exec, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) snapshotExecution(c *gin.Context) {
	snap, err := s.sys.Workflows.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) submitGoal(c *gin.Context) {
	var req GoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, core.NewValidationError("api.submit_goal", err.Error()))
		return
	}
	g, u, err := s.sys.SubmitGoal(c.Request.Context(), req.Text)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, GoalResponse{Goal: g, Understanding: u})
}

func (s *Server) getGoal(c *gin.Context) {
	out, err := s.sys.GoalOutcome(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, s.sys.Agents())
}

func (s *Server) listTeams(c *gin.Context) {
	c.JSON(http.StatusOK, s.sys.Teams.Teams())
}

func (s *Server) getTeam(c *gin.Context) {
	t, err := s.sys.Teams.Team(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// listMessages returns bus history filtered by from, to, type, topic,
// since (RFC3339) and limit.
func (s *Server) listMessages(c *gin.Context) {
	var f bus.Filter
	for param, dst := range map[string]**core.AgentID{"from": &f.From, "to": &f.To} {
		if raw := c.Query(param); raw != "" {
			id, err := core.ParseAgentID(raw)
			if err != nil {
				s.fail(c, err)
				return
			}
			*dst = &id
		}
	}
	f.Type = core.MessageType(strings.ToUpper(c.Query("type")))
	f.Topic = c.Query("topic")
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.fail(c, core.NewValidationError("api.list_messages", "since must be RFC3339"))
			return
		}
		f.Since = since
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		s.fail(c, err)
		return
	}
	f.Limit = limit
	c.JSON(http.StatusOK, s.sys.Bus.History(f))
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, core.NewValidationError("api", name+" must be a non-negative integer")
	}
	return n, nil
}
