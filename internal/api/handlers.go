package api

import (
	"net/http"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/gin-gonic/gin"
)

func (s *Server) healthHandler(c *gin.Context) {
	writeJSONResponse(c, http.StatusOK, models.Success(gin.H{"healthy": true}))
}

// processLeadHandler runs the outreach pipeline for one lead right away. A lead that
// was processed but not contacted answers 422 with the reason.
func (s *Server) processLeadHandler(c *gin.Context) {
	id := c.Param("id")
	lead, err := s.leads.GetLead(c.Request.Context(), id)
	if err != nil {
		writeError(c, "Server.processLeadHandler: failed to load lead", err)
		return
	}
	if lead == nil {
		writeJSONResponse(c, http.StatusNotFound, models.Error("Lead not found"))
		return
	}

	res := s.processor.ProcessLeadNow(c.Request.Context(), id)
	if !res.Success {
		writeJSONResponse(c, http.StatusUnprocessableEntity, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: res.Message,
			Result:  res,
		})
		return
	}
	writeJSONResponse(c, http.StatusOK, models.SuccessWithMessage(res.Message, res))
}

func (s *Server) activityHandler(c *gin.Context) {
	id := c.Param("id")
	lead, err := s.leads.GetLead(c.Request.Context(), id)
	if err != nil {
		writeError(c, "Server.activityHandler: failed to load lead", err)
		return
	}
	if lead == nil {
		writeJSONResponse(c, http.StatusNotFound, models.Error("Lead not found"))
		return
	}
	entries, err := s.activity.ListActivity(c.Request.Context(), id)
	if err != nil {
		writeError(c, "Server.activityHandler: failed to list activity", err)
		return
	}
	if entries == nil {
		entries = []models.ActivityEntry{}
	}
	writeJSONResponse(c, http.StatusOK, models.Success(gin.H{
		"lead_id": id,
		"status":  lead.Status,
		"entries": entries,
	}))
}
