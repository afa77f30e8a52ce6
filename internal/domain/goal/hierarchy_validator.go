package goal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GraphReader is the read access the validator needs to the goal tree
type GraphReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Goal, error)
	FindChildren(ctx context.Context, parentID uuid.UUID) ([]Goal, error)
	FindAncestors(ctx context.Context, id uuid.UUID, maxDepth int) ([]Goal, error)
}

// Validation is the outcome of a hierarchy check
type Validation struct {
	OK      bool
	Reason  ValidationReason
	Message string
}

// Err returns the validation as an error, or nil when it passed
func (v Validation) Err() error {
	if v.OK {
		return nil
	}
	return &ValidationError{Reason: v.Reason, Message: v.Message}
}

func valid() Validation {
	return Validation{OK: true}
}

func invalid(reason ValidationReason, format string, args ...any) Validation {
	return Validation{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// HierarchyValidator decides whether a parent/child link is legal.
// It never writes; errors are returned only for store failures.
type HierarchyValidator struct {
	graph GraphReader
}

// NewHierarchyValidator creates a validator over the goal graph
func NewHierarchyValidator(graph GraphReader) *HierarchyValidator {
	return &HierarchyValidator{graph: graph}
}

// ValidateLink checks that child may be placed under parent.
// Depth is counted in levels: a root on its own has depth 1.
func (v *HierarchyValidator) ValidateLink(ctx context.Context, childID, parentID uuid.UUID) (Validation, error) {
	if childID == parentID {
		return invalid(ReasonSelfReference, "goal %s cannot be its own parent", childID), nil
	}

	child, err := v.graph.FindByID(ctx, childID)
	if err != nil {
		return Validation{}, err
	}
	parent, err := v.graph.FindByID(ctx, parentID)
	if err != nil {
		return Validation{}, err
	}

	// One extra level lets a corrupted, too-deep chain still surface the child.
	ancestors, err := v.graph.FindAncestors(ctx, parentID, MaxHierarchyDepth+1)
	if err != nil {
		return Validation{}, err
	}
	for _, a := range ancestors {
		if a.ID == childID {
			return invalid(ReasonCycleDetected, "goal %s is already an ancestor of %s", childID, parentID), nil
		}
	}

	if !parent.OwnerType.CanParent(child.OwnerType) {
		return invalid(ReasonIncompatibleOwnerType, "%s goal cannot parent a %s goal", parent.OwnerType, child.OwnerType), nil
	}

	parentLevel := len(ancestors) + 1
	subtree, err := v.subtreeDepth(ctx, childID)
	if err != nil {
		return Validation{}, err
	}
	if parentLevel+subtree > MaxHierarchyDepth {
		return invalid(ReasonMaxDepthExceeded, "linking would create a hierarchy of %d levels, maximum is %d",
			parentLevel+subtree, MaxHierarchyDepth), nil
	}

	return valid(), nil
}

// ValidateMaxDepth fails fast when parent has no room left for any child
func (v *HierarchyValidator) ValidateMaxDepth(ctx context.Context, parentID uuid.UUID) (Validation, error) {
	if _, err := v.graph.FindByID(ctx, parentID); err != nil {
		return Validation{}, err
	}
	ancestors, err := v.graph.FindAncestors(ctx, parentID, MaxHierarchyDepth)
	if err != nil {
		return Validation{}, err
	}
	if len(ancestors)+1 >= MaxHierarchyDepth {
		return invalid(ReasonMaxDepthExceeded, "goal %s is already at level %d of %d", parentID, len(ancestors)+1, MaxHierarchyDepth), nil
	}
	return valid(), nil
}

// Depth returns the level of a goal in its tree, 1 for roots
func (v *HierarchyValidator) Depth(ctx context.Context, id uuid.UUID) (int, error) {
	ancestors, err := v.graph.FindAncestors(ctx, id, MaxHierarchyDepth)
	if err != nil {
		return 0, err
	}
	return len(ancestors) + 1, nil
}

// subtreeDepth counts the levels of the subtree rooted at id, 1 for a leaf.
// The walk stops one level past the maximum, which is enough to reject a link.
func (v *HierarchyValidator) subtreeDepth(ctx context.Context, id uuid.UUID) (int, error) {
	depth := 1
	frontier := []uuid.UUID{id}
	seen := map[uuid.UUID]bool{id: true}
	for depth <= MaxHierarchyDepth {
		var next []uuid.UUID
		for _, gid := range frontier {
			children, err := v.graph.FindChildren(ctx, gid)
			if err != nil {
				return 0, err
			}
			for _, c := range children {
				if !seen[c.ID] {
					seen[c.ID] = true
					next = append(next, c.ID)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		depth++
		frontier = next
	}
	return depth, nil
}
