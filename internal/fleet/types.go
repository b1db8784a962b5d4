// Package fleet defines the data model shared by every stage of the
// aggregation pipeline: the decoded event, the per-batch partial
// aggregate, and the running fleet-wide aggregate document.
package fleet

import "time"

// StatsDocumentID is the well-known identifier of the singleton
// aggregate document.
const StatsDocumentID = "real_time_fleet_stats"

// VehicleData holds the attributes carried by a vehicle-generation event.
type VehicleData struct {
	Type        string `json:"type,omitempty"`
	PowerSource string `json:"powerSource,omitempty"`
	HP          *int64 `json:"hp,omitempty"`
	Year        *int64 `json:"year,omitempty"`
	TopSpeed    *int64 `json:"topSpeed,omitempty"`
}

// Event is a decoded inbound vehicle-generation event.
type Event struct {
	AID       string
	Timestamp time.Time
	Data      VehicleData
}

// HPStats summarizes the horsepower distribution across the fleet.
type HPStats struct {
	Sum   int64   `json:"sum"`
	Count int64   `json:"count"`
	Min   int64   `json:"min"`
	Max   int64   `json:"max"`
	Avg   float64 `json:"avg"`
}

// Aggregate is the single running fleet-statistics document.
type Aggregate struct {
	TotalVehicles        int64            `json:"totalVehicles"`
	VehiclesByType        map[string]int64 `json:"vehiclesByType"`
	VehiclesByDecade      map[string]int64 `json:"vehiclesByDecade"`
	VehiclesBySpeedClass  map[string]int64 `json:"vehiclesBySpeedClass"`
	HPStats               HPStats          `json:"hpStats"`
	LastUpdated           time.Time        `json:"lastUpdated"`
}

// ZeroAggregate returns a synthetic, empty aggregate. Returned by the
// store when no document has been committed yet, and whenever a read
// hits a schema error that must not fail the dashboard.
func ZeroAggregate(now time.Time) *Aggregate {
	return &Aggregate{
		VehiclesByType:       map[string]int64{},
		VehiclesByDecade:     map[string]int64{},
		VehiclesBySpeedClass: map[string]int64{},
		LastUpdated:          now,
	}
}

// PartialAggregate is the set of deltas derived from a single batch,
// applied additively to the running Aggregate.
type PartialAggregate struct {
	TotalVehicles        int64
	VehiclesByType       map[string]int64
	VehiclesByDecade     map[string]int64
	VehiclesBySpeedClass map[string]int64

	HPSum   int64
	HPCount int64
	// HPMin/HPMax are nil when no event in the batch carried hp; the
	// store must not invoke its min/max operators in that case.
	HPMin *int64
	HPMax *int64
}

// NewPartialAggregate returns an empty partial ready for accumulation.
func NewPartialAggregate() *PartialAggregate {
	return &PartialAggregate{
		VehiclesByType:       map[string]int64{},
		VehiclesByDecade:     map[string]int64{},
		VehiclesBySpeedClass: map[string]int64{},
	}
}

// Speed class labels (spec-mandated, locale-neutral).
const (
	SpeedClassSlow   = "Slow"
	SpeedClassNormal = "Normal"
	SpeedClassFast   = "Fast"
)
