package dto

import (
	"time"

	appgoal "github.com/crm/backend/internal/application/goal"
	"github.com/crm/backend/internal/domain/goal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LinkParentRequest places a goal under a parent
type LinkParentRequest struct {
	ParentID string `json:"parent_id" binding:"required,uuid"`
}

// SetOverrideRequest freezes a goal's progress with a reason
type SetOverrideRequest struct {
	Reason   string           `json:"reason" binding:"required,max=500"`
	Progress *decimal.Decimal `json:"progress"`
}

// ChangeStatusRequest moves a goal to a new lifecycle status
type ChangeStatusRequest struct {
	Status string `json:"status" binding:"required,goal_status"`
}

// EntityRecalcRequest recalculates every goal affected by one CRM record
type EntityRecalcRequest struct {
	EntityType string `json:"entity_type" binding:"required,crm_entity"`
	EntityID   string `json:"entity_id" binding:"required,uuid"`
}

// GoalResponse is the API view of a goal
type GoalResponse struct {
	ID                   uuid.UUID        `json:"id"`
	Name                 string           `json:"name"`
	Description          string           `json:"description,omitempty"`
	Type                 string           `json:"type"`
	OwnerType            string           `json:"owner_type"`
	OwnerID              uuid.UUID        `json:"owner_id"`
	Status               string           `json:"status"`
	Timeframe            string           `json:"timeframe"`
	StartDate            *time.Time       `json:"start_date,omitempty"`
	EndDate              *time.Time       `json:"end_date,omitempty"`
	TargetValue          *decimal.Decimal `json:"target_value,omitempty"`
	TargetDerived        bool             `json:"target_derived"`
	Progress             decimal.Decimal  `json:"progress"`
	ProgressPercentage   decimal.Decimal  `json:"progress_percentage"`
	ParentGoalID         *uuid.UUID       `json:"parent_goal_id,omitempty"`
	CalculationSource    string           `json:"calculation_source"`
	LastCalculatedAt     *time.Time       `json:"last_calculated_at,omitempty"`
	CalculationFailed    bool             `json:"calculation_failed"`
	ManualOverrideReason *string          `json:"manual_override_reason,omitempty"`
	Version              int              `json:"version"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// ToGoalResponse converts a domain goal
func ToGoalResponse(g *goal.Goal) GoalResponse {
	return GoalResponse{
		ID:                   g.ID,
		Name:                 g.Name,
		Description:          g.Description,
		Type:                 string(g.Type),
		OwnerType:            string(g.OwnerType),
		OwnerID:              g.OwnerID,
		Status:               string(g.Status),
		Timeframe:            string(g.Timeframe),
		StartDate:            g.StartDate,
		EndDate:              g.EndDate,
		TargetValue:          g.TargetValue,
		TargetDerived:        g.TargetDerived,
		Progress:             g.Progress,
		ProgressPercentage:   g.ProgressPercentage(),
		ParentGoalID:         g.ParentGoalID,
		CalculationSource:    string(g.CalculationSource),
		LastCalculatedAt:     g.LastCalculatedAt,
		CalculationFailed:    g.CalculationFailed,
		ManualOverrideReason: g.ManualOverrideReason,
		Version:              g.Version,
		UpdatedAt:            g.UpdatedAt,
	}
}

// ToGoalResponses converts a slice of goals
func ToGoalResponses(goals []goal.Goal) []GoalResponse {
	out := make([]GoalResponse, len(goals))
	for i := range goals {
		out[i] = ToGoalResponse(&goals[i])
	}
	return out
}

// GoalNodeResponse is a goal with its subtree
type GoalNodeResponse struct {
	GoalResponse
	Children []GoalNodeResponse `json:"children"`
}

func toGoalNodes(nodes []*appgoal.GoalNode) []GoalNodeResponse {
	out := make([]GoalNodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, GoalNodeResponse{
			GoalResponse: ToGoalResponse(&n.Goal),
			Children:     toGoalNodes(n.Children),
		})
	}
	return out
}

// HierarchyResponse is the ancestor chain and subtree of a goal
type HierarchyResponse struct {
	Goal                    GoalResponse       `json:"goal"`
	Ancestors               []GoalResponse     `json:"ancestors"`
	Descendants             []GoalNodeResponse `json:"descendants"`
	Depth                   int                `json:"depth"`
	ChildCount              int                `json:"child_count"`
	AggregatedChildProgress decimal.Decimal    `json:"aggregated_child_progress"`
	AggregatedChildTarget   decimal.Decimal    `json:"aggregated_child_target"`
}

// ToHierarchyResponse converts a hierarchy view
func ToHierarchyResponse(v *appgoal.HierarchyView) HierarchyResponse {
	return HierarchyResponse{
		Goal:                    ToGoalResponse(&v.Goal),
		Ancestors:               ToGoalResponses(v.Ancestors),
		Descendants:             toGoalNodes(v.Descendants),
		Depth:                   v.Depth,
		ChildCount:              v.ChildCount,
		AggregatedChildProgress: v.AggregatedChildProgress,
		AggregatedChildTarget:   v.AggregatedChildTarget,
	}
}

// RecalculationResponse is the outcome of a single goal recalculation
type RecalculationResponse struct {
	GoalID      uuid.UUID       `json:"goal_id"`
	OldProgress decimal.Decimal `json:"old_progress"`
	NewProgress decimal.Decimal `json:"new_progress"`
	Changed     bool            `json:"changed"`
	Skipped     bool            `json:"skipped"`
	Failed      bool            `json:"failed"`
	Snapshotted bool            `json:"snapshotted"`
	Coalesced   bool            `json:"coalesced"`
}

// ToRecalculationResponse converts a recalculation result
func ToRecalculationResponse(r *appgoal.RecalculationResult) RecalculationResponse {
	return RecalculationResponse{
		GoalID:      r.GoalID,
		OldProgress: r.OldProgress,
		NewProgress: r.NewProgress,
		Changed:     r.Changed,
		Skipped:     r.Skipped,
		Failed:      r.Failed,
		Snapshotted: r.Snapshotted,
		Coalesced:   r.Coalesced,
	}
}

// BatchResponse summarizes a batch recalculation
type BatchResponse struct {
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	DurationMs int64               `json:"duration_ms"`
	Processed  int                 `json:"processed"`
	Updated    int                 `json:"updated"`
	Skipped    int                 `json:"skipped"`
	Failed     int                 `json:"failed"`
	Errors     []appgoal.GoalError `json:"errors,omitempty"`
}

// ToBatchResponse converts a batch result
func ToBatchResponse(r *appgoal.BatchResult) BatchResponse {
	return BatchResponse{
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		DurationMs: r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
		Processed:  r.Processed,
		Updated:    r.Updated,
		Skipped:    r.Skipped,
		Failed:     r.Failed,
		Errors:     r.Errors,
	}
}

// ClearOverrideResponse is the released goal and the recalculation it queued
type ClearOverrideResponse struct {
	Goal          GoalResponse           `json:"goal"`
	Recalculation *RecalculationResponse `json:"recalculation,omitempty"`
}

// RollUpResponse reports how many ancestors a roll-up rewrote
type RollUpResponse struct {
	GoalID  uuid.UUID `json:"goal_id"`
	Updated int       `json:"updated"`
}
