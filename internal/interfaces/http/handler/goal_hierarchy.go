package handler

import (
	"context"

	appgoal "github.com/crm/backend/internal/application/goal"
	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/crm/backend/internal/interfaces/http/middleware"
	"github.com/crm/backend/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HierarchyService is the part of the hierarchy service the handler calls
type HierarchyService interface {
	LinkToParent(ctx context.Context, childID, parentID uuid.UUID, actor string) (*goal.Goal, error)
	UnlinkFromParent(ctx context.Context, childID uuid.UUID, actor string) (*goal.Goal, error)
	GetHierarchy(ctx context.Context, goalID uuid.UUID) (*appgoal.HierarchyView, error)
	GetChildren(ctx context.Context, parentID uuid.UUID) ([]goal.Goal, error)
	RecalculateParentProgress(ctx context.Context, goalID uuid.UUID) (int, error)
	SetManualOverride(ctx context.Context, goalID uuid.UUID, reason string, progress *decimal.Decimal, actor string) (*goal.Goal, error)
	ClearManualOverride(ctx context.Context, goalID uuid.UUID, actor string) (*goal.Goal, error)
	ChangeStatus(ctx context.Context, goalID uuid.UUID, status goal.Status, actor string) (*goal.Goal, error)
}

// Recalculator is the part of the recalculation coordinator the handler calls
type Recalculator interface {
	RecalculateGoal(ctx context.Context, goalID uuid.UUID) (*appgoal.RecalculationResult, error)
	RecalculateGoalsForEntity(ctx context.Context, entityType goal.EntityType, entityID uuid.UUID) (*appgoal.BatchResult, error)
	RecalculateAllAutoCalculated(ctx context.Context) (*appgoal.BatchResult, error)
}

// GoalHierarchyHandler exposes goal linking, tree queries and recalculation
type GoalHierarchyHandler struct {
	BaseHandler
	hierarchy    HierarchyService
	recalculator Recalculator
}

// NewGoalHierarchyHandler creates a new GoalHierarchyHandler
func NewGoalHierarchyHandler(hierarchy HierarchyService, recalculator Recalculator) *GoalHierarchyHandler {
	return &GoalHierarchyHandler{
		hierarchy:    hierarchy,
		recalculator: recalculator,
	}
}

// Routes returns the goal route group
func (h *GoalHierarchyHandler) Routes() *router.DomainGroup {
	g := router.NewDomainGroup("goals", "/goals")
	g.POST("/recalculate", h.RecalculateAll)
	g.POST("/recalculate/entity", h.RecalculateForEntity)
	g.POST("/:id/parent", h.LinkParent)
	g.DELETE("/:id/parent", h.UnlinkParent)
	g.GET("/:id/hierarchy", h.GetHierarchy)
	g.GET("/:id/children", h.GetChildren)
	g.POST("/:id/recalculate", h.Recalculate)
	g.POST("/:id/rollup", h.RollUp)
	g.PUT("/:id/override", h.SetOverride)
	g.DELETE("/:id/override", h.ClearOverride)
	g.PUT("/:id/status", h.ChangeStatus)
	return g
}

// LinkParent places the goal under the parent in the request body.
// Rejected links answer 422 with the rejection reason in the error code.
func (h *GoalHierarchyHandler) LinkParent(c *gin.Context) {
	goalID, ok := h.bindGoalID(c)
	if !ok {
		return
	}
	var req dto.LinkParentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	g, err := h.hierarchy.LinkToParent(c.Request.Context(), goalID, uuid.MustParse(req.ParentID), getActor(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ToGoalResponse(g))
}

// UnlinkParent makes the goal a root
func (h *GoalHierarchyHandler) UnlinkParent(c *gin.Context) {
	goalID, ok := h.bindGoalID(c)
	if !ok {
		return
	}

	g, err := h.hierarchy.UnlinkFromParent(c.Request.Context(), goalID, getActor(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ToGoalResponse(g))
}

// GetHierarchy returns the ancestors, subtree and child aggregates of a goal
func (h *GoalHierarchyHandler) GetHierarchy(c *gin.Context) {
	goalID, ok := h.bindGoalID(c)
	if !ok {
		return
	}

	view, err := h.hierarchy.GetHierarchy(c.Request.Context(), goalID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ToHierarchyResponse(view))
}

// GetChildren returns the direct children of a goal
func (h *GoalHierarchyHandler) GetChildren(c *gin.Context) {
	goalID, ok := h.bindGoalID(c)
	if !ok {
		return
	}

	children, err := h.hierarchy.GetChildren(c.Request.Context(), goalID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ToGoalResponses(children))
}

// Recalculate runs an immediate recalculation of one goal
func (h *GoalHierarchyHandler) Recalculate(c *gin.Context) {
	goalID, ok := h.bindGoalID(c)
	if !ok {
		return
	}

	result, err := h.recalculator.RecalculateGoal(c.Request.Context(), goalID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ToRecalculationResponse(result))
}

// RollUp recomputes the ancestors of a goal from their children
func (h *GoalHierarchyHandler) RollUp(c *gin.Context) {
	goalID, ok := h.bindGoalID(c)
	if !ok {
		return
	}

	updated, err := h.hierarchy.RecalculateParentProgress(c.Request.Context(), goalID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.RollUpResponse{GoalID: goalID, Updated: updated})
}

// SetOverride freezes the goal's progress
func (h *GoalHierarchyHandler) SetOverride(c *gin.Context) {
	goalID, ok := h.bindGoalID(c)
	if !ok {
		return
	}
	var req dto.SetOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	g, err := h.hierarchy.SetManualOverride(c.Request.Context(), goalID, req.Reason, req.Progress, getActor(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ToGoalResponse(g))
}

// ClearOverride releases the override and recalculates the goal straight
// away. A failed recalculation does not undo the release.
func (h *GoalHierarchyHandler) ClearOverride(c *gin.Context) {
	goalID, ok := h.bindGoalID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	g, err := h.hierarchy.ClearManualOverride(ctx, goalID, getActor(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := dto.ClearOverrideResponse{Goal: dto.ToGoalResponse(g)}
	if g.IsAutoCalculated() {
		result, err := h.recalculator.RecalculateGoal(ctx, goalID)
		if err != nil {
			logger.FromContext(ctx).Warn("Recalculation after override clear failed",
				zap.String("goal_id", goalID.String()),
				zap.Error(err))
		}
		if result != nil {
			r := dto.ToRecalculationResponse(result)
			resp.Recalculation = &r
		}
	}
	h.Success(c, resp)
}

// ChangeStatus moves the goal to a new lifecycle status
func (h *GoalHierarchyHandler) ChangeStatus(c *gin.Context) {
	goalID, ok := h.bindGoalID(c)
	if !ok {
		return
	}
	var req dto.ChangeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	g, err := h.hierarchy.ChangeStatus(c.Request.Context(), goalID, goal.Status(req.Status), getActor(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ToGoalResponse(g))
}

// RecalculateAll runs a sweep over every auto-calculated goal.
// Per-goal failures are reported in the body, not as an error status.
func (h *GoalHierarchyHandler) RecalculateAll(c *gin.Context) {
	result, err := h.recalculator.RecalculateAllAutoCalculated(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ToBatchResponse(result))
}

// RecalculateForEntity recalculates the goals affected by one CRM record
func (h *GoalHierarchyHandler) RecalculateForEntity(c *gin.Context) {
	var req dto.EntityRecalcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.recalculator.RecalculateGoalsForEntity(
		c.Request.Context(),
		goal.EntityType(req.EntityType),
		uuid.MustParse(req.EntityID),
	)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ToBatchResponse(result))
}
