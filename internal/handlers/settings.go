package handlers

import (
	"net/http"

	"growchamber"

	"github.com/gin-gonic/gin"
)

// @Summary      Export fleet settings
// @Description  Snapshot of every chamber's channels, fan and schedule, keyed chamber_N
// @Tags         settings
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/settings/export [get]
// @Security     BearerAuth
func (h *Handler) exportSettings(c *gin.Context) {
	snap, err := h.services.Settings.Export(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, "export failed", "settings_export_failed", err)
		return
	}
	// Indented so the exported document is hand-editable.
	c.IndentedJSON(http.StatusOK, snap)
}

// @Summary      Import fleet settings
// @Description  Accepts a previously exported snapshot. One invalid entry rejects the whole import.
// @Tags         settings
// @Accept       json
// @Produce      json
// @Param        body  body  map[string]interface{}  true  "Snapshot keyed chamber_N"
// @Success      200  {object}  map[string]interface{}  "status, chambers"
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/settings/import [post]
// @Security     BearerAuth
func (h *Handler) importSettings(c *gin.Context) {
	var snap growchamber.SettingsSnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	if err := h.services.Settings.Import(c.Request.Context(), snap); err != nil {
		if growchamber.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logAndJSONError(c, http.StatusInternalServerError, "import failed", "settings_import_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusOK, "chambers": len(snap)})
}
