// Package shipment looks up the dispatch record a driver's link points at.
// The core only consumes the record to build the audit snapshot stored
// with a submission.
package shipment

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the source has no shipment for the key.
var ErrNotFound = errors.New("shipment not found")

// StatusAtDropOff is the dispatch status of shipments awaiting a POD.
const StatusAtDropOff = "AT_DROP_OFF_LOCATION"

// Shipment is one row of the dispatch export.
type Shipment struct {
	Key             string `json:"key"`
	JobKey          string `json:"jobKey,omitempty"`
	Status          string `json:"status,omitempty"`
	Carrier         string `json:"carrier,omitempty"`
	CarrierMobile   string `json:"carrierMobile,omitempty"`
	VehiclePlate    string `json:"vehiclePlate,omitempty"`
	Shipper         string `json:"shipper,omitempty"`
	Entity          string `json:"entity,omitempty"`
	PickupCity      string `json:"pickupCity,omitempty"`
	DestinationCity string `json:"destinationCity,omitempty"`
	Commodity       string `json:"commodity,omitempty"`
	Weight          string `json:"weight,omitempty"`
}

// Snapshot returns the denormalized fields copied into a submission record.
func (s *Shipment) Snapshot() map[string]string {
	return map[string]string{
		"key":              s.Key,
		"job_key":          s.JobKey,
		"carrier":          s.Carrier,
		"carrier_mobile":   s.CarrierMobile,
		"vehicle_plate":    s.VehiclePlate,
		"shipper":          s.Shipper,
		"entity":           s.Entity,
		"pickup_city":      s.PickupCity,
		"destination_city": s.DestinationCity,
		"commodity":        s.Commodity,
		"weight":           s.Weight,
	}
}

// Lookup resolves a shipment by key.
type Lookup interface {
	Get(ctx context.Context, key string) (*Shipment, error)
}

// Static is a fixed in-memory Lookup.
type Static map[string]*Shipment

// Get implements Lookup.
func (s Static) Get(_ context.Context, key string) (*Shipment, error) {
	if sh, ok := s[key]; ok {
		return sh, nil
	}
	return nil, ErrNotFound
}
