package db

import (
	"time"

	"github.com/google/uuid"
)

// DefaultSortOrder places meters without an explicit position at the end of the list.
const DefaultSortOrder = 999

// Input types recorded on a current reading
const (
	InputTypeField  = "Field"
	InputTypeManual = "Manual"
)

// FieldUser represents a meter reader account
type FieldUser struct {
	ID        uuid.UUID
	Login     string
	Pwd       string
	CreatedAt time.Time
	LastLogin *time.Time
}

// Community represents a property whose meters are read
type Community struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IsDeleted bool   `json:"-"`
}

// CommunityUnit represents a unit with its denormalized meter list
type CommunityUnit struct {
	ID          int64
	CommunityID int64
	UnitNumber  string
	Meters      []byte // raw JSONB array of UnitMeter
	IsDeleted   bool
}

// UnitMeter is one element of CommunityUnit.Meters
type UnitMeter struct {
	MeterID   string `json:"meter_id"`
	AmrID     string `json:"amr_id"`
	MeterType string `json:"meter_type"`
}

// Meter represents a row of the meter catalog
type Meter struct {
	ID          int64
	MeterID     string
	AmrID       *string
	MeterType   string
	CommunityID int64
	UnitID      *int64
	SortOrder   *int
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// CurrentReading is the single current reading of a meter
type CurrentReading struct {
	ID          int64
	MeterID     string
	AmrID       *string
	Reading     *string
	ReadingDate time.Time
	InputType   *string
}
