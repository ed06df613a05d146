package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"reviewflow/internal/types"
)

// Capacity enforces the per-target-type maximum subscriber count per batch
// and redistributes load across a group's batches.
type Capacity struct {
	entries  EntryStore
	mappings MappingStore
	registry *Registry
	logger   *slog.Logger
}

// NewCapacity wires a Capacity manager. A nil logger falls back to
// slog.Default().
func NewCapacity(entries EntryStore, mappings MappingStore, registry *Registry, logger *slog.Logger) *Capacity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capacity{
		entries:  entries,
		mappings: mappings,
		registry: registry,
		logger:   logger,
	}
}

// ShouldSplit reports whether the entry has reached its target type's
// maximum batch size. The count is read live from the mapping table so a
// stale cached count cannot mask an oversized batch.
func (c *Capacity) ShouldSplit(ctx context.Context, entryID string) (bool, error) {
	entry, err := c.entries.GetByID(ctx, entryID)
	if err != nil {
		return false, err
	}
	count, err := c.mappings.CountActiveByEntry(ctx, entryID)
	if err != nil {
		return false, err
	}
	return count >= types.MaxBatchSize(entry.TargetType), nil
}

// Split opens a new batch at the group's next index and moves the upper
// half of the entry's subscribers to it, by creation order, then rebuilds
// both entries. Splitting an entry with one subscriber is a no-op.
func (c *Capacity) Split(ctx context.Context, entryID string) error {
	entry, err := c.entries.GetByID(ctx, entryID)
	if err != nil {
		return err
	}

	maps, err := c.mappings.ListActiveByEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if len(maps) <= 1 {
		return nil
	}

	dest, err := c.registry.CreateBatch(ctx, entry.Group())
	if err != nil {
		return err
	}

	upper := maps[len(maps)/2:]
	ids := make([]string, 0, len(upper))
	for _, m := range upper {
		ids = append(ids, m.ID)
	}
	moved, err := c.mappings.MoveToEntry(ctx, ids, entry.ID, dest.ID, entry.IntervalHours)
	if err != nil {
		return err
	}

	c.logger.Info("split schedule batch",
		"group", entry.Group().String(),
		"from_batch", entry.BatchIndex, "to_batch", dest.BatchIndex,
		"moved", moved, "remaining", len(maps)-moved)

	if err := c.registry.RebuildInput(ctx, entry.ID); err != nil {
		return err
	}
	return c.registry.RebuildInput(ctx, dest.ID)
}

// Rebalance evens subscriber counts across a group's existing batches. It
// refuses when the even target would itself exceed the maximum batch size,
// since that calls for more batches, not shuffling. A single-batch group
// is a no-op.
func (c *Capacity) Rebalance(ctx context.Context, group types.ScheduleGroup) error {
	entries, err := c.entries.ListByGroup(ctx, group)
	if err != nil {
		return err
	}
	if len(entries) <= 1 {
		return nil
	}

	byEntry := make(map[string][]*types.SubscriberMapping, len(entries))
	total := 0
	for _, e := range entries {
		maps, err := c.mappings.ListActiveByEntry(ctx, e.ID)
		if err != nil {
			return err
		}
		byEntry[e.ID] = maps
		total += len(maps)
	}

	even := (total + len(entries) - 1) / len(entries)
	if max := types.MaxBatchSize(group.TargetType); even > max {
		return types.NewAppErrorWithDetails(types.ErrCodeCapacityExceedsMax,
			fmt.Sprintf("even distribution of %d subscribers over %d batches exceeds the %d max, split instead",
				total, len(entries), max),
			nil, map[string]any{"total": total, "batches": len(entries), "even": even, "max": max})
	}

	// Collect surplus mappings from overfull batches, then deal them out
	// to batches below the even target.
	type surplus struct {
		fromEntryID string
		mappingIDs  []string
	}
	var donors []surplus
	for _, e := range entries {
		maps := byEntry[e.ID]
		if len(maps) <= even {
			continue
		}
		extra := maps[even:]
		ids := make([]string, 0, len(extra))
		for _, m := range extra {
			ids = append(ids, m.ID)
		}
		donors = append(donors, surplus{fromEntryID: e.ID, mappingIDs: ids})
	}

	touched := make(map[string]bool)
	di := 0
	for _, e := range entries {
		room := even - len(byEntry[e.ID])
		for room > 0 && di < len(donors) {
			d := &donors[di]
			take := len(d.mappingIDs)
			if take > room {
				take = room
			}
			moved, err := c.mappings.MoveToEntry(ctx, d.mappingIDs[:take], d.fromEntryID, e.ID, group.IntervalHours)
			if err != nil {
				return err
			}
			touched[d.fromEntryID] = true
			touched[e.ID] = true
			room -= moved
			d.mappingIDs = d.mappingIDs[take:]
			if len(d.mappingIDs) == 0 {
				di++
			}
		}
	}

	if len(touched) == 0 {
		return nil
	}
	c.logger.Info("rebalanced schedule group",
		"group", group.String(), "batches", len(entries),
		"subscribers", total, "even_target", even, "entries_touched", len(touched))

	for _, e := range entries {
		if !touched[e.ID] {
			continue
		}
		if err := c.registry.RebuildInput(ctx, e.ID); err != nil {
			return err
		}
	}
	return nil
}

// Consolidate merges batches holding fewer subscribers than
// thresholdFraction of the maximum into a sibling with spare capacity,
// then deletes the emptied entry and its external job. Batches without a
// valid merge target are left alone, so a group with live subscribers
// never ends up with zero entries.
func (c *Capacity) Consolidate(ctx context.Context, group types.ScheduleGroup, thresholdFraction float64) error {
	entries, err := c.entries.ListByGroup(ctx, group)
	if err != nil {
		return err
	}
	if len(entries) <= 1 {
		return nil
	}

	max := types.MaxBatchSize(group.TargetType)
	threshold := int(thresholdFraction * float64(max))

	counts := make(map[string]int, len(entries))
	for _, e := range entries {
		n, err := c.mappings.CountActiveByEntry(ctx, e.ID)
		if err != nil {
			return err
		}
		counts[e.ID] = n
	}

	// Emptiest batches merge away first, into the fullest sibling that
	// still has room.
	ordered := make([]*types.ScheduleEntry, len(entries))
	copy(ordered, entries)
	sort.Slice(ordered, func(i, j int) bool {
		return counts[ordered[i].ID] < counts[ordered[j].ID]
	})

	remaining := len(entries)
	for _, candidate := range ordered {
		if remaining <= 1 {
			break
		}
		count := counts[candidate.ID]
		if count >= threshold {
			continue
		}

		var target *types.ScheduleEntry
		for i := len(ordered) - 1; i >= 0; i-- {
			e := ordered[i]
			if e.ID == candidate.ID || counts[e.ID] < 0 {
				continue
			}
			if counts[e.ID]+count <= max {
				target = e
				break
			}
		}
		if target == nil {
			c.logger.Info("underfilled batch has no merge target, leaving it",
				"group", group.String(), "batch_index", candidate.BatchIndex, "count", count)
			continue
		}

		if count > 0 {
			maps, err := c.mappings.ListActiveByEntry(ctx, candidate.ID)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(maps))
			for _, m := range maps {
				ids = append(ids, m.ID)
			}
			if _, err := c.mappings.MoveToEntry(ctx, ids, candidate.ID, target.ID, group.IntervalHours); err != nil {
				return err
			}
			if err := c.registry.RebuildInput(ctx, target.ID); err != nil {
				return err
			}
		}

		if err := c.registry.DeleteEntry(ctx, candidate); err != nil {
			return err
		}
		counts[target.ID] += count
		counts[candidate.ID] = -1 // consumed
		remaining--

		c.logger.Info("consolidated schedule batch",
			"group", group.String(),
			"merged_batch", candidate.BatchIndex, "into_batch", target.BatchIndex,
			"moved", count)
	}
	return nil
}

// HealthStatus classifies every schedule entry by how full it is, for the
// admin health view.
func (c *Capacity) HealthStatus(ctx context.Context) ([]types.EntryHealth, types.HealthSummary, error) {
	entries, err := c.entries.ListAll(ctx)
	if err != nil {
		return nil, types.HealthSummary{}, err
	}

	health := make([]types.EntryHealth, 0, len(entries))
	var summary types.HealthSummary
	for _, e := range entries {
		max := types.MaxBatchSize(e.TargetType)
		class := types.ClassifyFill(e.SubscriberCount, max)
		health = append(health, types.EntryHealth{Entry: e, Capacity: max, Class: class})
		switch class {
		case types.HealthHealthy:
			summary.Healthy++
		case types.HealthWarning:
			summary.Warning++
		case types.HealthCritical:
			summary.Critical++
		}
	}
	return health, summary, nil
}
