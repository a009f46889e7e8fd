package services

import (
	"context"

	"github.com/chronica/sensing-gateway/pkg/pg"
)

// HealthService answers the load balancer probe with a database ping.
type HealthService struct {
	db *pg.DB
}

func NewHealthService(db *pg.DB) *HealthService {
	return &HealthService{db: db}
}

func (h *HealthService) Get() error {
	sqlDB, err := h.db.Read(context.Background()).DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
