// Scadasim publishes synthetic telemetry readings to the Redis bus,
// standing in for the field gateway during local development. Each well
// carries the standard tag set and every tag does a bounded random walk,
// so dashboards show plausible drifting values instead of noise.
//
// Usage:
//
//	scadasim -redis redis://localhost:6379/0 -tenants acme-energy,basin-ops -wells 3 -interval 1s
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"wellpulse/backend/internal/reading"
)

// tagSpec bounds one simulated tag's random walk.
type tagSpec struct {
	name string
	min  float64
	max  float64
	step float64
}

var tagSpecs = []tagSpec{
	{"Pressure", 150, 900, 12},
	{"Temperature", 60, 210, 3},
	{"FlowRate", 5, 120, 4},
	{"LiquidLevel", 2, 18, 0.5},
	{"GasVolume", 50, 400, 15},
	{"OilVolume", 20, 250, 10},
	{"WaterCut", 0.05, 0.6, 0.02},
	{"MotorCurrent", 18, 70, 2.5},
	{"Vibration", 0.1, 4.5, 0.2},
	{"PowerConsumption", 10, 95, 3},
}

var protocols = []string{"OPC-UA", "Modbus", "MQTT"}

// tagState is one tag on one well walking between its bounds.
type tagState struct {
	spec  tagSpec
	value float64
}

func (s *tagState) next(rng *rand.Rand) float64 {
	s.value += (rng.Float64()*2 - 1) * s.spec.step
	if s.value < s.spec.min {
		s.value = s.spec.min
	}
	if s.value > s.spec.max {
		s.value = s.spec.max
	}
	return s.value
}

// quality returns Good most of the time with occasional sensor hiccups.
func quality(rng *rand.Rand) reading.Quality {
	switch r := rng.Float64(); {
	case r < 0.96:
		return reading.QualityGood
	case r < 0.99:
		return reading.QualityUncertain
	default:
		return reading.QualityBad
	}
}

func main() {
	redisURL := flag.String("redis", "redis://localhost:6379/0", "redis connection URL")
	tenants := flag.String("tenants", "acme-energy", "comma-separated tenant ids")
	wells := flag.Int("wells", 3, "wells per tenant")
	interval := flag.Duration("interval", time.Second, "delay between publish rounds")
	seed := flag.Int64("seed", 0, "random seed; 0 uses the current time")
	flag.Parse()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.RFC3339}))

	tenantIDs := strings.Split(*tenants, ",")
	for i := range tenantIDs {
		tenantIDs[i] = strings.TrimSpace(tenantIDs[i])
	}
	if len(tenantIDs) == 0 || tenantIDs[0] == "" {
		logger.Error("at least one tenant id is required")
		os.Exit(1)
	}
	if *wells < 1 {
		logger.Error("wells must be at least 1")
		os.Exit(1)
	}

	opts, err := redis.ParseURL(*redisURL)
	if err != nil {
		logger.Error("bad redis URL", "err", err)
		os.Exit(1)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("redis unreachable", "url", *redisURL, "err", err)
		os.Exit(1)
	}

	seedVal := *seed
	if seedVal == 0 {
		seedVal = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seedVal))

	// wellID → tag states, initialized mid-range.
	type wellKey struct{ tenant, well string }
	states := make(map[wellKey][]*tagState)
	for _, tenant := range tenantIDs {
		for w := 1; w <= *wells; w++ {
			key := wellKey{tenant, fmt.Sprintf("%s-well-%02d", tenant, w)}
			tags := make([]*tagState, len(tagSpecs))
			for i, spec := range tagSpecs {
				tags[i] = &tagState{spec: spec, value: (spec.min + spec.max) / 2}
			}
			states[key] = tags
		}
	}

	logger.Info("publishing telemetry",
		"tenants", len(tenantIDs), "wells_per_tenant", *wells, "interval", interval.String())

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	published := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopped", "published", published)
			return
		case <-ticker.C:
		}
		now := time.Now().UTC()
		for key, tags := range states {
			for _, tag := range tags {
				r := reading.Reading{
					Timestamp:      now,
					TenantID:       key.tenant,
					WellID:         key.well,
					TagName:        tag.spec.name,
					Value:          tag.next(rng),
					Quality:        quality(rng),
					SourceProtocol: protocols[rng.Intn(len(protocols))],
				}
				payload, err := json.Marshal(r)
				if err != nil {
					logger.Error("marshal reading", "err", err)
					continue
				}
				if err := client.Publish(ctx, reading.ChannelForTenant(key.tenant), payload).Err(); err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Warn("publish failed", "channel", reading.ChannelForTenant(key.tenant), "err", err)
					continue
				}
				published++
			}
		}
	}
}
