package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lvonguyen/ato-compliance/internal/engine"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/evidence"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/remediation"
)

func (s *Server) createAssessment(c *gin.Context) {
	var req engine.AssessRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	a, err := s.engine.Assess(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) getAssessment(c *gin.Context) {
	a, err := s.engine.Assessment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) latestAssessment(c *gin.Context) {
	a, err := s.engine.LatestAssessment(c.Request.Context(), c.Param("sub"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) hardening(c *gin.Context) {
	opts := remediation.DefaultHardeningOptions()
	if fams := c.Query("families"); fams != "" {
		opts.Families = strings.Split(fams, ",")
	}
	if sev := c.Query("minSeverity"); sev != "" {
		parsed, err := normalizer.ParseSeverity(sev)
		if err != nil {
			s.fail(c, err)
			return
		}
		opts.MinSeverity = parsed
	}
	if raw := c.Query("maxActions"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.fail(c, errs.Invalid("maxActions", raw, "must be a non-negative integer"))
			return
		}
		opts.MaxActions = n
	}
	actions, err := s.engine.Hardening(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessmentId": c.Param("id"), "actions": actions})
}

func (s *Server) risk(c *gin.Context) {
	r, err := s.engine.Risk(c.Request.Context(), c.Param("sub"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) timeline(c *gin.Context) {
	t, err := s.engine.Timeline(c.Request.Context(), c.Param("sub"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) delta(c *gin.Context) {
	d, err := s.engine.Delta(c.Request.Context(), c.Param("sub"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) createPlan(c *gin.Context) {
	var req engine.PlanRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	plan, err := s.engine.Plan(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

func (s *Server) getPlan(c *gin.Context) {
	plan, err := s.engine.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) createExecution(c *gin.Context) {
	var req engine.RemediateRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	exec, err := s.engine.Remediate(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusCreated
	if exec.Status == remediation.StatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, exec)
}

func (s *Server) listExecutions(c *gin.Context) {
	findingID := c.Query("findingId")
	if findingID == "" {
		s.fail(c, errs.Invalid("findingId", "", "findingId query parameter is required"))
		return
	}
	list, err := s.engine.Executions(c.Request.Context(), findingID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"findingId": findingID, "executions": list})
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.engine.Execution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) progress(c *gin.Context) {
	p, err := s.engine.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type approveRequest struct {
	Approver string `json:"approver"`
	Token    string `json:"token,omitempty"`
}

func (s *Server) approve(c *gin.Context) {
	var req approveRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	exec, err := s.engine.Approve(c.Param("id"), req.Approver, req.Token)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) run(c *gin.Context) {
	exec, err := s.engine.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) validate(c *gin.Context) {
	res, err := s.engine.Validate(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) rollback(c *gin.Context) {
	exec, err := s.engine.Rollback(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) collectEvidence(c *gin.Context) {
	var req engine.EvidenceRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	pkg, err := s.engine.CollectEvidence(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, pkg)
}

func (s *Server) getPackage(c *gin.Context) {
	pkg, err := s.engine.Package(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pkg)
}

func (s *Server) downloadPackage(c *gin.Context) {
	doc, err := s.engine.ExportPackage(c.Request.Context(), c.Param("id"), negotiateFormat(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	attach(c, doc.Filename, doc.ContentType, doc.Body)
}

func (s *Server) poam(c *gin.Context) {
	format := strings.ToLower(c.DefaultQuery("format", "json"))
	if format != "json" && format != "csv" {
		s.fail(c, errs.Invalid("format", format, "unsupported POA&M format", "json", "csv"))
		return
	}
	p, err := s.engine.POAM(c.Request.Context(), engine.POAMRequest{
		Subscription: c.Query("subscription"),
		AssessmentID: c.Query("assessmentId"),
		PlanID:       c.Query("planId"),
		Family:       c.Query("family"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if format == "csv" {
		body, err := evidence.ExportPOAMCSV(p)
		if err != nil {
			s.fail(c, err)
			return
		}
		attach(c, p.POAMID+".csv", "text/csv", body)
		return
	}
	body, err := evidence.ExportPOAMJSON(p)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// negotiateFormat prefers the format query parameter and falls back to
// the Accept header.
func negotiateFormat(c *gin.Context) string {
	if f := c.Query("format"); f != "" {
		return f
	}
	switch c.NegotiateFormat("application/json", "text/csv", "application/pdf", "application/xml") {
	case "text/csv":
		return string(evidence.FormatCSV)
	case "application/pdf":
		return string(evidence.FormatPDF)
	case "application/xml":
		return string(evidence.FormatEMASS)
	}
	return string(evidence.FormatJSON)
}

func attach(c *gin.Context, filename, contentType string, body []byte) {
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, contentType, body)
}
