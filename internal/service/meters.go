package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/septivank/field-readings/internal/db"
	"github.com/septivank/field-readings/internal/logging"
	"github.com/septivank/field-readings/tools/timeparser"
	"go.uber.org/zap"
)

// MeterView is one line of a community's meter list
type MeterView struct {
	UnitID          string  `json:"unitId"`
	MeterID         string  `json:"meterId"`
	AmrID           string  `json:"amrId"`
	MeterType       string  `json:"meterType"`
	SortOrder       int     `json:"fieldSortOrder"`
	CurrentReading  *string `json:"currentReading"`
	LastReadingDate *string `json:"lastReadingDate"`
}

// MeterCatalog reads the tables behind the meter list
type MeterCatalog interface {
	ListUnits(ctx context.Context, communityID int64) ([]db.CommunityUnit, error)
	ListMeterCatalog(ctx context.Context, communityID int64) ([]db.Meter, error)
	ListCurrentReadings(ctx context.Context, meterIDs []string) ([]db.CurrentReading, error)
}

// MeterService assembles meter lists for display
type MeterService struct {
	catalog MeterCatalog
	logger  *zap.Logger
}

// NewMeterService creates a new meter list service
func NewMeterService(catalog MeterCatalog, logger *zap.Logger) *MeterService {
	return &MeterService{catalog: catalog, logger: logger}
}

// ListMeters returns the meters of a community with their latest readings
func (s *MeterService) ListMeters(ctx context.Context, communityID int64) ([]MeterView, error) {
	if communityID <= 0 {
		return nil, &ValidationError{Reason: "missing communityId parameter"}
	}
	logger := logging.FromContext(ctx, s.logger)

	units, err := s.catalog.ListUnits(ctx, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load units: %w", err)
	}

	catalog, err := s.catalog.ListMeterCatalog(ctx, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load meter catalog: %w", err)
	}

	rows, catalog := dropRetired(expandUnits(units, logger), catalog)

	readings, err := s.catalog.ListCurrentReadings(ctx, meterIDs(rows))
	if err != nil {
		return nil, fmt.Errorf("failed to load current readings: %w", err)
	}

	views := BuildMeterList(rows, catalog, readings)
	logger.Debug("meter list assembled",
		zap.Int64("community_id", communityID),
		zap.Int("units", len(units)),
		zap.Int("meters", len(views)),
	)
	return views, nil
}

// UnitMeterRow is one meter entry of one unit after expansion
type UnitMeterRow struct {
	UnitNumber string
	Meter      db.UnitMeter
}

// expandUnits flattens every unit's embedded meter list into one row per
// meter. Non-array lists and entries without a meter id are skipped.
func expandUnits(units []db.CommunityUnit, logger *zap.Logger) []UnitMeterRow {
	var rows []UnitMeterRow
	for _, unit := range units {
		var elems []json.RawMessage
		if err := json.Unmarshal(unit.Meters, &elems); err != nil {
			logger.Debug("unit meter list is not an array", zap.Int64("unit_id", unit.ID))
			continue
		}
		for _, elem := range elems {
			var meter db.UnitMeter
			if err := json.Unmarshal(elem, &meter); err != nil {
				logger.Warn("skipping malformed unit meter entry",
					zap.Int64("unit_id", unit.ID),
					zap.Error(err),
				)
				continue
			}
			meter.MeterID = strings.TrimSpace(meter.MeterID)
			if meter.MeterID == "" {
				continue
			}
			rows = append(rows, UnitMeterRow{UnitNumber: unit.UnitNumber, Meter: meter})
		}
	}
	return rows
}

// dropRetired removes meters whose catalog row is no longer active. A meter
// with no catalog row at all stays listed.
func dropRetired(rows []UnitMeterRow, catalog []db.Meter) ([]UnitMeterRow, []db.Meter) {
	retired := make(map[string]bool)
	active := make([]db.Meter, 0, len(catalog))
	for _, m := range catalog {
		if m.IsActive {
			active = append(active, m)
		} else {
			retired[m.MeterID] = true
		}
	}
	if len(retired) == 0 {
		return rows, active
	}

	kept := rows[:0:0]
	for _, row := range rows {
		if !retired[row.Meter.MeterID] {
			kept = append(kept, row)
		}
	}
	return kept, active
}

func meterIDs(rows []UnitMeterRow) []string {
	seen := make(map[string]bool, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if !seen[row.Meter.MeterID] {
			seen[row.Meter.MeterID] = true
			ids = append(ids, row.Meter.MeterID)
		}
	}
	return ids
}

type joinedRow struct {
	UnitMeterRow
	reading *db.CurrentReading
}

// BuildMeterList joins expanded rows with readings, keeps the latest reading
// per meter and orders the result by catalog sort order.
func BuildMeterList(rows []UnitMeterRow, catalog []db.Meter, readings []db.CurrentReading) []MeterView {
	byMeter := make(map[string][]*db.CurrentReading)
	for i := range readings {
		r := &readings[i]
		byMeter[r.MeterID] = append(byMeter[r.MeterID], r)
	}

	// Left join: a row with several reading candidates fans out
	var joined []joinedRow
	for _, row := range rows {
		candidates := byMeter[row.Meter.MeterID]
		if len(candidates) == 0 {
			joined = append(joined, joinedRow{UnitMeterRow: row})
			continue
		}
		for _, r := range candidates {
			joined = append(joined, joinedRow{UnitMeterRow: row, reading: r})
		}
	}

	latest := pickLatest(joined)

	catalogByID := make(map[string]db.Meter, len(catalog))
	for _, m := range catalog {
		catalogByID[m.MeterID] = m
	}

	views := make([]MeterView, 0, len(latest))
	for _, row := range latest {
		views = append(views, toView(row, catalogByID))
	}

	sort.SliceStable(views, func(i, j int) bool {
		return views[i].SortOrder < views[j].SortOrder
	})

	return views
}

// pickLatest keeps one row per meter id, in order of first appearance. A row
// replaces the kept one only if its reading is strictly newer; rows without
// a reading lose to any row with one.
func pickLatest(rows []joinedRow) []joinedRow {
	index := make(map[string]int, len(rows))
	var out []joinedRow
	for _, row := range rows {
		i, ok := index[row.Meter.MeterID]
		if !ok {
			index[row.Meter.MeterID] = len(out)
			out = append(out, row)
			continue
		}
		if newer(row.reading, out[i].reading) {
			out[i] = row
		}
	}
	return out
}

func newer(candidate, current *db.CurrentReading) bool {
	if candidate == nil {
		return false
	}
	if current == nil {
		return true
	}
	return candidate.ReadingDate.After(current.ReadingDate)
}

func toView(row joinedRow, catalog map[string]db.Meter) MeterView {
	view := MeterView{
		UnitID:    row.UnitNumber,
		MeterID:   row.Meter.MeterID,
		AmrID:     row.Meter.AmrID,
		MeterType: row.Meter.MeterType,
		SortOrder: db.DefaultSortOrder,
	}

	if m, ok := catalog[row.Meter.MeterID]; ok {
		if m.SortOrder != nil {
			view.SortOrder = *m.SortOrder
		}
		if view.AmrID == "" && m.AmrID != nil {
			view.AmrID = *m.AmrID
		}
		if view.MeterType == "" {
			view.MeterType = m.MeterType
		}
	}

	if row.reading != nil {
		view.CurrentReading = row.reading.Reading
		date := timeparser.FormatDate(row.reading.ReadingDate)
		view.LastReadingDate = &date
	}

	return view
}
