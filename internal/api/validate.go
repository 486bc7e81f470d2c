package api

import (
	"fmt"

	"synergy/internal/model"
)

func validateAllocateRequest(req *model.AllocateRequest) error {
	if req.HubID == "" {
		return fmt.Errorf("hubId required")
	}
	if req.Algorithm != "" && req.Algorithm != "sector" && req.Algorithm != "anneal" {
		return fmt.Errorf("invalid algorithm: %s", req.Algorithm)
	}
	return nil
}

func validateTruckInput(in *model.TruckInput) error {
	if in.CapWeightKg <= 0 {
		return fmt.Errorf("capWeightKg must be > 0")
	}
	if in.CapVolumeM3 <= 0 {
		return fmt.Errorf("capVolumeM3 must be > 0")
	}
	if in.Position != nil {
		return validatePoint(*in.Position)
	}
	return nil
}

func validateDeliveryInput(in *model.DeliveryInput) error {
	if in.WeightKg < 0 || in.VolumeM3 < 0 {
		return fmt.Errorf("weight and volume must be >= 0")
	}
	if err := validatePoint(in.Pickup); err != nil {
		return fmt.Errorf("pickup: %w", err)
	}
	if err := validatePoint(in.Drop); err != nil {
		return fmt.Errorf("drop: %w", err)
	}
	return nil
}

func validateLocationReport(req *model.LocationReport) error {
	if req.TruckID == "" {
		return fmt.Errorf("truckId required")
	}
	if req.Lat == nil || req.Lng == nil {
		return fmt.Errorf("lat and lng required")
	}
	return validatePoint(model.GeoPoint{Lat: *req.Lat, Lng: *req.Lng})
}

func validateMarketplaceLoad(in *model.MarketplaceLoad) error {
	if in.ShipperID == "" {
		return fmt.Errorf("shipperId required")
	}
	if in.WeightKg <= 0 {
		return fmt.Errorf("weightKg must be > 0")
	}
	if err := validatePoint(in.Pickup); err != nil {
		return fmt.Errorf("pickup: %w", err)
	}
	if err := validatePoint(in.Drop); err != nil {
		return fmt.Errorf("drop: %w", err)
	}
	return nil
}

func validatePoint(p model.GeoPoint) error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("lat out of range: %v", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("lng out of range: %v", p.Lng)
	}
	return nil
}
