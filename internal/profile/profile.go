// Package profile owns the authoritative user record for each account and
// hands out entitlement engines bound to it.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/chinaroute/internal/auth"
	"github.com/dukerupert/chinaroute/internal/entitlement"
	"github.com/dukerupert/chinaroute/internal/kvstore"
	"github.com/dukerupert/chinaroute/internal/model"
)

const namespaceKind = "user"

type Service struct {
	open      kvstore.Factory
	engineCfg entitlement.Config
	logger    *slog.Logger
}

func NewService(open kvstore.Factory, engineCfg entitlement.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if engineCfg.Logger == nil {
		engineCfg.Logger = logger
	}
	return &Service{open: open, engineCfg: engineCfg, logger: logger}
}

// Store returns the store holding userID's record and usage.
func (s *Service) Store(userID string) kvstore.Store {
	return s.open(kvstore.Namespace(namespaceKind, userID))
}

// Engine returns an entitlement engine for userID. An empty userID gets a
// guest engine backed by an empty store.
func (s *Service) Engine(userID string) *entitlement.Engine {
	if userID == "" {
		return entitlement.NewEngine(kvstore.NewMemory(), s.engineCfg)
	}
	return entitlement.NewEngine(s.Store(userID), s.engineCfg)
}

// Get returns the stored record, or nil when the user has never synced.
func (s *Service) Get(userID string) (*model.UserRecord, error) {
	raw, err := s.Store(userID).Get(model.KeyUser)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user record: %w", err)
	}
	rec, ok := model.DecodeUserRecord(raw)
	if !ok {
		s.logger.Warn("discarding unreadable user record", "user_id", userID)
		return nil, nil
	}
	return &rec, nil
}

// Sync creates or refreshes the record for a verified identity. The plan
// is kept; only billing changes it.
func (s *Service) Sync(ac auth.AuthContext) (model.UserRecord, error) {
	if ac.UserID == "" {
		return model.UserRecord{}, fmt.Errorf("sync profile: missing user id")
	}
	var out model.UserRecord
	err := kvstore.Update(s.Store(ac.UserID), model.KeyUser, func(raw string, found bool) (string, error) {
		rec := model.UserRecord{Plan: model.PlanFree}
		if found {
			if existing, ok := model.DecodeUserRecord(raw); ok {
				rec = existing
			}
		}
		rec.ID = ac.UserID
		if ac.Email != "" {
			rec.Email = ac.Email
		}
		out = rec
		return model.EncodeUserRecord(rec)
	})
	if err != nil {
		return model.UserRecord{}, fmt.Errorf("sync profile: %w", err)
	}
	return out, nil
}

// SetPlan records a plan change for userID, creating the record if needed.
func (s *Service) SetPlan(ctx context.Context, userID string, plan model.Plan) error {
	if userID == "" {
		return fmt.Errorf("set plan: missing user id")
	}
	err := kvstore.Update(s.Store(userID), model.KeyUser, func(raw string, found bool) (string, error) {
		rec := model.UserRecord{ID: userID}
		if found {
			if existing, ok := model.DecodeUserRecord(raw); ok {
				rec = existing
			}
		}
		rec.ID = userID
		rec.Plan = plan
		return model.EncodeUserRecord(rec)
	})
	if err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	s.logger.InfoContext(ctx, "plan updated", "user_id", userID, "plan", plan)
	return nil
}
