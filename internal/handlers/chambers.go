package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"growchamber"
	"growchamber/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	statusOK      = "ok"
	statusApplied = "applied"

	errScanFailed      = "scan failed"
	errRefreshFailed   = "status refresh failed"
	errUnknownChamber  = "unknown chamber"
	errInvalidChamber  = "invalid chamber number"
	errInvalidBodyPref = "invalid body: "
)

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

// chamberParam parses the :chamber path segment. Writes the 400 itself
// and returns false when the segment is not a number.
func (h *Handler) chamberParam(c *gin.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("chamber"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidChamber})
		return 0, false
	}
	return n, true
}

// commandError maps a fleet command error onto an HTTP status: bad
// input is the caller's fault, an unknown chamber is a 404, everything
// else is a hardware-side failure.
func (h *Handler) commandError(c *gin.Context, err error, logKey string, kv ...interface{}) {
	switch {
	case growchamber.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnknownChamber):
		c.JSON(http.StatusNotFound, gin.H{"error": errUnknownChamber})
	default:
		h.logAndJSONError(c, http.StatusBadGateway, err.Error(), logKey, err, kv...)
	}
}

// fanOutResponse renders per-chamber results of a fleet-wide apply.
// Partial failure is a 200; each chamber reports its own outcome.
func fanOutResponse(c *gin.Context, results map[int]error) {
	out := make(map[string]string, len(results))
	failed := 0
	for chamber, err := range results {
		key := strconv.Itoa(chamber)
		if err != nil {
			out[key] = err.Error()
			failed++
			continue
		}
		out[key] = statusApplied
	}
	c.JSON(http.StatusOK, gin.H{
		"targets": len(results),
		"failed":  failed,
		"results": out,
	})
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": statusOK,
	})
}

// @Summary      Scan serial ports and bind controllers
// @Tags         chambers
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, chambers"
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/chambers/scan [post]
// @Security     BearerAuth
func (h *Handler) scan(c *gin.Context) {
	ctx := c.Request.Context()
	found, err := h.services.Fleet.Scan(ctx)
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errScanFailed, "scan_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(found),
		"chambers": found,
	})
}

// @Summary      List all chambers
// @Tags         chambers
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, chambers"
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/chambers [get]
// @Security     BearerAuth
func (h *Handler) listChambers(c *gin.Context) {
	statuses := h.services.Fleet.Chambers(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"count":    len(statuses),
		"chambers": statuses,
	})
}

// @Summary      Get one chamber
// @Tags         chambers
// @Produce      json
// @Param        chamber  path  int  true  "Chamber number"
// @Success      200  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/chambers/{chamber} [get]
// @Security     BearerAuth
func (h *Handler) getChamber(c *gin.Context) {
	chamber, ok := h.chamberParam(c)
	if !ok {
		return
	}
	st, err := h.services.Fleet.Chamber(c.Request.Context(), chamber)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errUnknownChamber})
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      Set channel intensities
// @Description  Six intensities in percent, 0..100 each
// @Tags         chambers
// @Accept       json
// @Produce      json
// @Param        chamber  path  int                       true  "Chamber number"
// @Param        body     body  growchamber.ChannelState  true  "Intensities"
// @Success      200  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      502  {object}  map[string]string
// @Router       /api/v1/chambers/{chamber}/channels [post]
// @Security     BearerAuth
func (h *Handler) applyChannels(c *gin.Context) {
	chamber, ok := h.chamberParam(c)
	if !ok {
		return
	}
	var st growchamber.ChannelState
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	if err := h.services.Fleet.ApplyChannels(c.Request.Context(), chamber, st); err != nil {
		h.commandError(c, err, "apply_channels_failed", "chamber", chamber)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusApplied})
}

// @Summary      Set fan speed
// @Tags         chambers
// @Accept       json
// @Produce      json
// @Param        chamber  path  int                   true  "Chamber number"
// @Param        body     body  growchamber.FanState  true  "Fan speed"
// @Success      200  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      502  {object}  map[string]string
// @Router       /api/v1/chambers/{chamber}/fan [post]
// @Security     BearerAuth
func (h *Handler) applyFan(c *gin.Context) {
	chamber, ok := h.chamberParam(c)
	if !ok {
		return
	}
	var st growchamber.FanState
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	if err := h.services.Fleet.ApplyFan(c.Request.Context(), chamber, st); err != nil {
		h.commandError(c, err, "apply_fan_failed", "chamber", chamber)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusApplied})
}

// @Summary      Set schedule window
// @Description  Daily lights window; on_time after off_time wraps past midnight
// @Tags         chambers
// @Accept       json
// @Produce      json
// @Param        chamber  path  int                         true  "Chamber number"
// @Param        body     body  growchamber.ScheduleWindow  true  "Window"
// @Success      200  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/chambers/{chamber}/schedule [post]
// @Security     BearerAuth
func (h *Handler) setSchedule(c *gin.Context) {
	chamber, ok := h.chamberParam(c)
	if !ok {
		return
	}
	var w growchamber.ScheduleWindow
	if err := c.ShouldBindJSON(&w); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	if err := h.services.Fleet.SetSchedule(c.Request.Context(), chamber, w); err != nil {
		h.commandError(c, err, "set_schedule_failed", "chamber", chamber)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusOK})
}

// @Summary      Refresh live hardware status
// @Tags         chambers
// @Produce      json
// @Param        chamber  path  int  true  "Chamber number"
// @Success      200  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      502  {object}  map[string]string
// @Router       /api/v1/chambers/{chamber}/refresh [post]
// @Security     BearerAuth
func (h *Handler) refreshChamber(c *gin.Context) {
	chamber, ok := h.chamberParam(c)
	if !ok {
		return
	}
	st, err := h.services.Fleet.RefreshStatus(c.Request.Context(), chamber)
	if err != nil {
		if errors.Is(err, service.ErrUnknownChamber) {
			c.JSON(http.StatusNotFound, gin.H{"error": errUnknownChamber})
			return
		}
		h.logAndJSONError(c, http.StatusBadGateway, errRefreshFailed, "refresh_failed", err, "chamber", chamber)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      Set channel intensities on all chambers
// @Tags         chambers
// @Accept       json
// @Produce      json
// @Param        body  body  growchamber.ChannelState  true  "Intensities"
// @Success      200  {object}  map[string]interface{}  "targets, failed, results"
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/chambers/channels [post]
// @Security     BearerAuth
func (h *Handler) applyChannelsAll(c *gin.Context) {
	var st growchamber.ChannelState
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	if err := st.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fanOutResponse(c, h.services.Fleet.ApplyChannelsAll(c.Request.Context(), st))
}

// @Summary      Set fan speed on all chambers
// @Tags         chambers
// @Accept       json
// @Produce      json
// @Param        body  body  growchamber.FanState  true  "Fan speed"
// @Success      200  {object}  map[string]interface{}  "targets, failed, results"
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/chambers/fan [post]
// @Security     BearerAuth
func (h *Handler) applyFanAll(c *gin.Context) {
	var st growchamber.FanState
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	if err := st.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fanOutResponse(c, h.services.Fleet.ApplyFanAll(c.Request.Context(), st))
}

// @Summary      Turn all fans on at their configured speeds
// @Tags         fans
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "targets, failed, results"
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/fans/on [post]
// @Security     BearerAuth
func (h *Handler) fansOn(c *gin.Context) {
	fanOutResponse(c, h.services.Fleet.SetFansOn(c.Request.Context()))
}

// @Summary      Turn all fans off
// @Tags         fans
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "targets, failed, results"
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/fans/off [post]
// @Security     BearerAuth
func (h *Handler) fansOff(c *gin.Context) {
	fanOutResponse(c, h.services.Fleet.SetFansOff(c.Request.Context()))
}
