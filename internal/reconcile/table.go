package reconcile

import (
	"github.com/habitat-data/vintagesync/internal/model"
)

type nowPresence int

const (
	nowAbsent nowPresence = iota
	nowPresent
	numNowPresence
)

type modPresence int

const (
	noMod modPresence = iota
	hasMod
	numModPresence
)

// statusClass buckets follow-up statuses by how much local work they protect.
type statusClass int

const (
	// classNeverContacted has no local investment; automation may adopt the source.
	classNeverContacted statusClass = iota
	// classWaiting is dormant on disappearance but otherwise actively tracked.
	classWaiting
	// classNoLongerVacant covers NotVacant and Exit.
	classNoLongerVacant
	// classActive covers FirstContact, InProgress and NoAction.
	classActive
	numStatusClasses
)

func classifyStatus(s model.FollowupStatus) statusClass {
	switch s {
	case model.StatusWaiting:
		return classWaiting
	case model.StatusNotVacant, model.StatusExit:
		return classNoLongerVacant
	case model.StatusFirstContact, model.StatusInProgress, model.StatusNoAction:
		return classActive
	default:
		// NeverContacted and any undeclared value.
		return classNeverContacted
	}
}

type decisionKey struct {
	now    nowPresence
	mod    modPresence
	status statusClass
}

// classify requires c.Before != nil.
func classify(c model.Comparison) decisionKey {
	k := decisionKey{
		now:    nowAbsent,
		mod:    noMod,
		status: classifyStatus(c.Before.Status),
	}
	if c.Now != nil {
		k.now = nowPresent
	}
	if model.HasOwnershipModification(c.Modifications) {
		k.mod = hasMod
	}
	return k
}

// rule computes the action for a housing already in the registry. now is nil
// on the nowAbsent rows of the table.
type rule func(r *Reconciler, before, now *model.Housing) model.Action

// rules holds one rule per combination. Every cell must be set; see
// TestRulesAreExhaustive.
var rules = [numNowPresence][numModPresence][numStatusClasses]rule{
	nowAbsent: {
		noMod: {
			classNeverContacted: markExited,
			classWaiting:        markExited,
			classNoLongerVacant: markExited,
			classActive:         flagOccupancyConflict,
		},
		hasMod: {
			classNeverContacted: leaveForReview,
			classWaiting:        markExitedWithOwnershipConflict,
			classNoLongerVacant: markExitedWithOwnershipConflict,
			classActive:         flagOwnershipAndOccupancyConflicts,
		},
	},
	nowPresent: {
		noMod: {
			classNeverContacted: adoptSource,
			classWaiting:        refreshOwners,
			classNoLongerVacant: refreshOwnersWithOccupancyConflict,
			classActive:         refreshOwners,
		},
		hasMod: {
			classNeverContacted: refreshOwnersWithOwnershipConflict,
			classWaiting:        keepOwnersWithOwnershipConflict,
			classNoLongerVacant: keepOwnersWithBothConflicts,
			classActive:         keepOwnersWithOwnershipConflict,
		},
	},
}

func exited(before *model.Housing) *model.Housing {
	next := before.Clone()
	next.Status = model.StatusExit
	subStatus := model.SubStatusAbsent
	next.SubStatus = &subStatus
	return &next
}

func markExited(_ *Reconciler, before, _ *model.Housing) model.Action {
	return model.Action{Housing: exited(before)}
}

func flagOccupancyConflict(r *Reconciler, before, _ *model.Housing) model.Action {
	return model.Action{
		Events: []model.HousingEvent{r.occupancyConflict(before, nil)},
	}
}

// leaveForReview ignores both the disappearance and the pending owner edit:
// a human has to settle the edit first.
func leaveForReview(_ *Reconciler, _, _ *model.Housing) model.Action {
	return model.Action{}
}

func markExitedWithOwnershipConflict(r *Reconciler, before, _ *model.Housing) model.Action {
	return model.Action{
		Housing: exited(before),
		Events:  []model.HousingEvent{r.ownershipConflict(before, nil)},
	}
}

func flagOwnershipAndOccupancyConflicts(r *Reconciler, before, _ *model.Housing) model.Action {
	return model.Action{
		Events: []model.HousingEvent{
			r.ownershipConflict(before, nil),
			r.occupancyConflict(before, nil),
		},
	}
}

// adoptSource takes every source field except identity and the fields a human
// maintains.
func adoptSource(_ *Reconciler, before, now *model.Housing) model.Action {
	kept := before.Clone()
	next := now.Clone()
	next.ID = kept.ID
	next.Status = kept.Status
	next.SubStatus = kept.SubStatus
	next.Precisions = kept.Precisions
	next.VacancyReasons = kept.VacancyReasons
	next.EnergyConsumption = kept.EnergyConsumption
	next.EnergyConsumptionAt = kept.EnergyConsumptionAt
	next.DataYears = concatDataYears(now.DataYears, before.DataYears)
	return model.Action{Housing: &next}
}

func withSourceOwners(before, now *model.Housing) *model.Housing {
	src := now.Clone()
	next := before.Clone()
	next.Owner = src.Owner
	next.Coowners = src.Coowners
	next.DataYears = concatDataYears(now.DataYears, before.DataYears)
	return &next
}

func withDataYears(before, now *model.Housing) *model.Housing {
	next := before.Clone()
	next.DataYears = concatDataYears(now.DataYears, before.DataYears)
	return &next
}

func (r *Reconciler) ownerChangeEvents(before, now *model.Housing) []model.HousingEvent {
	if before.OwnerName() == now.OwnerName() {
		return nil
	}
	return []model.HousingEvent{r.ownerChanged(before, now)}
}

func refreshOwners(r *Reconciler, before, now *model.Housing) model.Action {
	return model.Action{
		Housing: withSourceOwners(before, now),
		Events:  r.ownerChangeEvents(before, now),
	}
}

func refreshOwnersWithOccupancyConflict(r *Reconciler, before, now *model.Housing) model.Action {
	events := r.ownerChangeEvents(before, now)
	events = append(events, r.occupancyConflict(before, now))
	return model.Action{
		Housing: withSourceOwners(before, now),
		Events:  events,
	}
}

func refreshOwnersWithOwnershipConflict(r *Reconciler, before, now *model.Housing) model.Action {
	return model.Action{
		Housing: withSourceOwners(before, now),
		Events:  []model.HousingEvent{r.ownershipConflict(before, now)},
	}
}

func keepOwnersWithOwnershipConflict(r *Reconciler, before, now *model.Housing) model.Action {
	return model.Action{
		Housing: withDataYears(before, now),
		Events:  []model.HousingEvent{r.ownershipConflict(before, now)},
	}
}

func keepOwnersWithBothConflicts(r *Reconciler, before, now *model.Housing) model.Action {
	return model.Action{
		Housing: withDataYears(before, now),
		Events: []model.HousingEvent{
			r.ownershipConflict(before, now),
			r.occupancyConflict(before, now),
		},
	}
}
