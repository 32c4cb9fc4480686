package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/cwbudde/polcomp/internal/config"
	"github.com/cwbudde/polcomp/internal/opt"
	"github.com/cwbudde/polcomp/internal/server"
	"github.com/cwbudde/polcomp/internal/session"
	"github.com/cwbudde/polcomp/internal/sim"
)

// newSimBench builds the simulated bench described by the sim section.
func newSimBench(c *config.Config, logger *slog.Logger) (server.Bench, *sim.Rig, error) {
	sc, err := c.Scenario()
	if err != nil {
		return server.Bench{}, nil, err
	}

	rig := sim.NewRig(sc)
	act, sens := rig.Devices(logger)
	return server.Bench{
		Name:     "sim:" + sc.Name,
		Actuator: act,
		Sensor:   sens,
		Reference: func(ctx context.Context) (*sim.Reference, error) {
			ref, err := sim.ReferenceOptimum(ctx, sc, opt.NewMayfly(opt.WithSeed(sc.Seed)))
			if err != nil {
				return nil, err
			}
			return &ref, nil
		},
	}, rig, nil
}

// newLocker returns the bench lease for the configured backend and a
// function that releases its resources.
func newLocker(ctx context.Context, c *config.Config, logger *slog.Logger) (session.Locker, func(), error) {
	switch c.Session.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: c.Session.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", c.Session.RedisAddr, err)
		}
		l, err := session.NewRedisLocker(client, c.Session.Key,
			session.WithTTL(c.Session.TTL),
			session.WithLogger(logger),
		)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return l, func() { _ = client.Close() }, nil
	default:
		return session.NewLocalLocker(), func() {}, nil
	}
}
