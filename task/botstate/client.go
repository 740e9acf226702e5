// Package botstate implements BotStateClient (spec §6): a read-only HTTP
// client used by StepVerifier to snapshot and re-fetch bot world/inventory
// state. The bot itself and everything beyond this client is out of scope
// (spec §1 "the bot state source ... an HTTP read-only client").
package botstate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout is the default outbound call timeout for bot state reads
// (spec §6 "default 5s bot state").
const DefaultTimeout = 5 * time.Second

// Response mirrors the `{ok, json}` shape from spec §6.
type Response struct {
	OK   bool
	JSON json.RawMessage
}

// Client is the BotStateClient collaborator. An abort-based timeout is
// terminal for the call (spec §5 "Cancellation & timeouts": "an abort is
// terminal for that call" — never retried internally; callers decide whether
// to retry at a higher level, e.g. StepVerifier's own polling loop).
type Client struct {
	baseURL string
	hc      *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

// New constructs a Client against baseURL. requestsPerSecond <= 0 disables
// rate limiting.
func New(baseURL string, timeout time.Duration, requestsPerSecond float64) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{},
		limiter: limiter,
		timeout: timeout,
	}
}

// Get performs a read-only GET against path, applying the client's configured
// timeout (or the override if positive). A context deadline exceeded error is
// returned verbatim and is terminal: callers must not retry the same call.
func (c *Client) Get(ctx context.Context, path string, timeout time.Duration) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return Response{}, fmt.Errorf("botstate: build request: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Response{OK: resp.StatusCode < 400}, nil
	}
	return Response{OK: resp.StatusCode < 400, JSON: body}, nil
}

// Snapshot is the world-state capture taken before a step executes (spec
// §4.5 pre-step): position, food, health, and inventory totals.
type Snapshot struct {
	Position        Position
	Food            float64
	Health          float64
	InventoryTotal  int
	InventoryByName map[string]int
	TakenAt         time.Time
}

// Position is a three-axis world coordinate.
type Position struct {
	X, Y, Z float64
}

// FetchSnapshot reads /state/position, /state/vitals, and /state/inventory in
// sequence and assembles a Snapshot. Each call gets the client's configured
// timeout.
func (c *Client) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	pos, err := c.fetchPosition(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	food, health, err := c.fetchVitals(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	byName, total, err := c.fetchInventory(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Position:        pos,
		Food:            food,
		Health:          health,
		InventoryTotal:  total,
		InventoryByName: byName,
		TakenAt:         time.Now(),
	}, nil
}

func (c *Client) fetchPosition(ctx context.Context) (Position, error) {
	resp, err := c.Get(ctx, "/state/position", 0)
	if err != nil || !resp.OK {
		return Position{}, err
	}
	var p Position
	_ = json.Unmarshal(resp.JSON, &p)
	return p, nil
}

func (c *Client) fetchVitals(ctx context.Context) (food, health float64, err error) {
	resp, err := c.Get(ctx, "/state/vitals", 0)
	if err != nil || !resp.OK {
		return 0, 0, err
	}
	var v struct {
		Food   float64 `json:"food"`
		Health float64 `json:"health"`
	}
	_ = json.Unmarshal(resp.JSON, &v)
	return v.Food, v.Health, nil
}

func (c *Client) fetchInventory(ctx context.Context) (map[string]int, int, error) {
	resp, err := c.Get(ctx, "/state/inventory", 0)
	if err != nil || !resp.OK {
		return nil, 0, err
	}
	var items []struct {
		Type  string `json:"type"`
		Count int    `json:"count"`
	}
	_ = json.Unmarshal(resp.JSON, &items)
	byName := make(map[string]int, len(items))
	total := 0
	for _, it := range items {
		name := StripMinecraftPrefix(it.Type)
		byName[name] += it.Count
		total += it.Count
	}
	return byName, total, nil
}

// NearbyBlocks reads the blocks near the bot's current position, used by
// StepVerifier's block-placement check (spec §4.5).
func (c *Client) NearbyBlocks(ctx context.Context) ([]string, error) {
	resp, err := c.Get(ctx, "/state/nearbyBlocks", 0)
	if err != nil || !resp.OK {
		return nil, err
	}
	var types []string
	_ = json.Unmarshal(resp.JSON, &types)
	return types, nil
}

// StripMinecraftPrefix removes a leading "minecraft:" namespace from an item
// type, matching spec §8 scenario 5 ("minecraft: prefix stripped").
func StripMinecraftPrefix(itemType string) string {
	const prefix = "minecraft:"
	if len(itemType) > len(prefix) && itemType[:len(prefix)] == prefix {
		return itemType[len(prefix):]
	}
	return itemType
}
