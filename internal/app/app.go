// Package app wires the consistency services shared by the HTTP server and fencectl.
package app

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/EV-Geofence/internal/config"
	"github.com/EmpoweredVote/EV-Geofence/internal/consistency"
	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
	"github.com/EmpoweredVote/EV-Geofence/internal/geometry/geosengine"
	"github.com/EmpoweredVote/EV-Geofence/internal/geometry/postgisengine"
)

// Services bundles the consistency components built over one store and engine.
type Services struct {
	Engine     geometry.Engine
	Grouper    *consistency.Grouper
	Validator  *consistency.Validator
	Controller *consistency.Controller
}

// NewEngine returns the geometry engine selected by cfg. The PostGIS engine needs db.
func NewEngine(cfg config.GeometryConfig, db *gorm.DB, logger *zap.Logger) (geometry.Engine, error) {
	switch cfg.Engine {
	case config.EngineGEOS, "":
		return geosengine.New(logger), nil
	case config.EnginePostGIS:
		if db == nil {
			return nil, errors.New("postgis engine requires a database connection")
		}
		return postgisengine.New(db, logger), nil
	default:
		return nil, fmt.Errorf("unknown geometry engine %q", cfg.Engine)
	}
}

// NewServices builds the grouper, validator and controller over store.
func NewServices(store consistency.Store, engine geometry.Engine, cfg config.GeometryConfig, logger *zap.Logger) *Services {
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = geometry.DefaultTolerance
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	grouper := consistency.NewGrouper(engine, tolerance, concurrency, logger)
	validator := consistency.NewValidator(engine, grouper, concurrency, logger)
	return &Services{
		Engine:     engine,
		Grouper:    grouper,
		Validator:  validator,
		Controller: consistency.NewController(store, engine, validator, grouper, logger),
	}
}
