package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/madrasah-billing-api/internal/dto"
	"github.com/noah-isme/madrasah-billing-api/internal/middleware"
	appErrors "github.com/noah-isme/madrasah-billing-api/pkg/errors"
	"github.com/noah-isme/madrasah-billing-api/pkg/response"
)

type withdrawalService interface {
	WithdrawChild(ctx context.Context, req dto.WithdrawChildRequest) (*dto.WithdrawChildResult, error)
	WithdrawFamily(ctx context.Context, req dto.WithdrawFamilyRequest) (*dto.WithdrawFamilyResult, error)
	WithdrawAllChildren(ctx context.Context, req dto.WithdrawSiblingsRequest) (*dto.WithdrawFamilyResult, error)
	ReEnrollChild(ctx context.Context, req dto.ReEnrollRequest) (*dto.ReEnrollResult, error)
}

type withdrawPreviewer interface {
	WithdrawPreview(ctx context.Context, studentID string) (*dto.WithdrawPreview, bool, error)
	FamilyWithdrawPreview(ctx context.Context, familyID string) (*dto.FamilyWithdrawPreview, bool, error)
}

// WithdrawalHandler exposes withdrawal, re-enrollment and preview endpoints.
type WithdrawalHandler struct {
	withdrawals withdrawalService
	previews    withdrawPreviewer
}

// NewWithdrawalHandler constructs WithdrawalHandler.
func NewWithdrawalHandler(withdrawals withdrawalService, previews withdrawPreviewer) *WithdrawalHandler {
	return &WithdrawalHandler{withdrawals: withdrawals, previews: previews}
}

// WithdrawChild godoc
// @Summary Withdraw a student
// @Description Withdraws the student and adjusts family billing according to the directive. Billing failures are reported in the result, not as an error.
// @Tags Withdrawals
// @Accept json
// @Produce json
// @Param id path string true "Student ID"
// @Param payload body dto.WithdrawChildRequest true "Withdrawal payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /students/{id}/withdraw [post]
func (h *WithdrawalHandler) WithdrawChild(c *gin.Context) {
	var req dto.WithdrawChildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.StudentID = c.Param("id")
	result, err := h.withdrawals.WithdrawChild(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// WithdrawAllChildren godoc
// @Summary Withdraw a student and all siblings
// @Tags Withdrawals
// @Accept json
// @Produce json
// @Param id path string true "Student ID"
// @Param payload body dto.WithdrawSiblingsRequest true "Withdrawal payload"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/withdraw-siblings [post]
func (h *WithdrawalHandler) WithdrawAllChildren(c *gin.Context) {
	var req dto.WithdrawSiblingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.StudentID = c.Param("id")
	result, err := h.withdrawals.WithdrawAllChildren(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// WithdrawFamily godoc
// @Summary Withdraw every active member of a family
// @Tags Withdrawals
// @Accept json
// @Produce json
// @Param id path string true "Family ID"
// @Param payload body dto.WithdrawFamilyRequest true "Withdrawal payload"
// @Success 200 {object} response.Envelope
// @Router /families/{id}/withdraw [post]
func (h *WithdrawalHandler) WithdrawFamily(c *gin.Context) {
	var req dto.WithdrawFamilyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.FamilyID = c.Param("id")
	result, err := h.withdrawals.WithdrawFamily(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// ReEnrollChild godoc
// @Summary Re-enroll a withdrawn student
// @Tags Withdrawals
// @Accept json
// @Produce json
// @Param id path string true "Student ID"
// @Param payload body dto.ReEnrollRequest false "Optional class assignment"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/re-enroll [post]
func (h *WithdrawalHandler) ReEnrollChild(c *gin.Context) {
	var req dto.ReEnrollRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
			return
		}
	}
	req.StudentID = c.Param("id")
	result, err := h.withdrawals.ReEnrollChild(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// WithdrawPreview godoc
// @Summary Preview the billing effect of withdrawing a student
// @Tags Withdrawals
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/withdraw-preview [get]
func (h *WithdrawalHandler) WithdrawPreview(c *gin.Context) {
	preview, cacheHit, err := h.previews.WithdrawPreview(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	response.JSON(c, http.StatusOK, preview, nil, middleware.ExtractMeta(c))
}

// FamilyWithdrawPreview godoc
// @Summary Preview a family withdrawal
// @Tags Withdrawals
// @Produce json
// @Param id path string true "Family ID"
// @Success 200 {object} response.Envelope
// @Router /families/{id}/withdraw-preview [get]
func (h *WithdrawalHandler) FamilyWithdrawPreview(c *gin.Context) {
	preview, cacheHit, err := h.previews.FamilyWithdrawPreview(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	response.JSON(c, http.StatusOK, preview, nil, middleware.ExtractMeta(c))
}
