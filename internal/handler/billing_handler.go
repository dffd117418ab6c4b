package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/madrasah-billing-api/internal/dto"
	"github.com/noah-isme/madrasah-billing-api/internal/models"
	"github.com/noah-isme/madrasah-billing-api/internal/service"
	appErrors "github.com/noah-isme/madrasah-billing-api/pkg/errors"
	"github.com/noah-isme/madrasah-billing-api/pkg/response"
)

type billingController interface {
	PauseFamilyBilling(ctx context.Context, familyID string) (*dto.BillingToggleResult, error)
	ResumeFamilyBilling(ctx context.Context, familyID string) (*dto.BillingToggleResult, error)
}

type divergenceLedger interface {
	List(ctx context.Context, filter models.DivergenceFilter) ([]models.BillingDivergence, *models.Pagination, error)
	Export(ctx context.Context, state, format string) (*service.ExportFile, error)
	Verify(ctx context.Context, id string) (*models.BillingDivergence, error)
	Resolve(ctx context.Context, id string, req dto.ResolveDivergenceRequest) (*models.BillingDivergence, error)
}

// BillingHandler exposes family billing controls and the divergence ledger.
type BillingHandler struct {
	control     billingController
	divergences divergenceLedger
}

// NewBillingHandler constructs BillingHandler.
func NewBillingHandler(control billingController, divergences divergenceLedger) *BillingHandler {
	return &BillingHandler{control: control, divergences: divergences}
}

// Pause godoc
// @Summary Pause collection of a family subscription
// @Tags Billing
// @Produce json
// @Param id path string true "Family ID"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /families/{id}/billing/pause [post]
func (h *BillingHandler) Pause(c *gin.Context) {
	result, err := h.control.PauseFamilyBilling(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Resume godoc
// @Summary Resume collection of a paused family subscription
// @Tags Billing
// @Produce json
// @Param id path string true "Family ID"
// @Success 200 {object} response.Envelope
// @Router /families/{id}/billing/resume [post]
func (h *BillingHandler) Resume(c *gin.Context) {
	result, err := h.control.ResumeFamilyBilling(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// ListDivergences godoc
// @Summary List recorded billing divergences
// @Tags Billing
// @Produce json
// @Param state query string false "open or resolved"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /billing/divergences [get]
func (h *BillingHandler) ListDivergences(c *gin.Context) {
	filter := models.DivergenceFilter{State: strings.ToLower(c.Query("state"))}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	items, pagination, err := h.divergences.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// ExportDivergences godoc
// @Summary Download the divergence ledger
// @Tags Billing
// @Produce text/csv
// @Produce application/pdf
// @Param state query string false "open or resolved"
// @Param format query string false "csv (default) or pdf"
// @Success 200 {file} file
// @Router /billing/divergences/export [get]
func (h *BillingHandler) ExportDivergences(c *gin.Context) {
	file, err := h.divergences.Export(c.Request.Context(), strings.ToLower(c.Query("state")), c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Data)
}

// VerifyDivergence godoc
// @Summary Re-read the provider for a divergence
// @Tags Billing
// @Produce json
// @Param id path string true "Divergence ID"
// @Success 200 {object} response.Envelope
// @Router /billing/divergences/{id}/verify [post]
func (h *BillingHandler) VerifyDivergence(c *gin.Context) {
	divergence, err := h.divergences.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, divergence, nil)
}

// ResolveDivergence godoc
// @Summary Mark a divergence as reconciled by hand
// @Tags Billing
// @Accept json
// @Produce json
// @Param id path string true "Divergence ID"
// @Param payload body dto.ResolveDivergenceRequest true "Resolution note"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /billing/divergences/{id}/resolve [post]
func (h *BillingHandler) ResolveDivergence(c *gin.Context) {
	var req dto.ResolveDivergenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	divergence, err := h.divergences.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, divergence, nil)
}
