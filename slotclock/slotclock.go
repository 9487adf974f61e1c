// Package slotclock tracks beacon-chain slot timing so the Sequential
// broadcast strategy can align submissions to slot boundaries (spec.md §4.3).
//
// Grounded on the teacher's rpc.HTTPRPCClient raw-HTTP-GET idiom
// (src/chainadapter/ethereum/rpc.go uses http.Client directly for
// non-JSON-RPC endpoints); the beacon genesis-time fetch here follows the
// same shape against a REST endpoint instead of a JSON-RPC one.
package slotclock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// SlotDuration is the fixed mainnet slot length.
const SlotDuration = 12 * time.Second

// boundaryThreshold is the "too close to the next slot" cutoff from
// spec.md §4.3: the Sequential strategy must not broadcast within the last
// 2 seconds of a slot.
const boundaryThreshold = 10 * time.Second

// boundaryBuffer pads the wait past the next slot boundary so a broadcast
// immediately following WaitForOptimalWindow never lands inside the
// forbidden trailing window either.
const boundaryBuffer = 500 * time.Millisecond

// Position describes where "now" falls within the current slot.
type Position struct {
	CurrentSlot          uint64
	SecondIntoSlot        time.Duration
	SecondsUntilNextSlot time.Duration
}

// SlotClock computes slot positions relative to a beacon chain's genesis time.
type SlotClock struct {
	genesisTime time.Time
}

// New fetches genesis time from the given beacon node's /eth/v1/beacon/genesis
// endpoint and returns a SlotClock anchored to it.
func New(ctx context.Context, beaconAPIURL string) (*SlotClock, error) {
	genesisTime, err := fetchGenesisTime(ctx, beaconAPIURL)
	if err != nil {
		return nil, fmt.Errorf("slotclock: fetch genesis time: %w", err)
	}
	return &SlotClock{genesisTime: genesisTime}, nil
}

// NewFromGenesis builds a SlotClock directly from a known genesis time,
// bypassing the network round trip (used by tests and by callers that
// already track genesis time elsewhere).
func NewFromGenesis(genesisTime time.Time) *SlotClock {
	return &SlotClock{genesisTime: genesisTime}
}

// Position reports the current slot and offset within it.
func (c *SlotClock) Position() Position {
	elapsed := time.Since(c.genesisTime)
	if elapsed < 0 {
		elapsed = 0
	}

	currentSlot := uint64(elapsed / SlotDuration)
	secondInto := elapsed % SlotDuration
	untilNext := SlotDuration - secondInto

	return Position{
		CurrentSlot:          currentSlot,
		SecondIntoSlot:       secondInto,
		SecondsUntilNextSlot: untilNext,
	}
}

// WaitForOptimalWindow blocks until the clock is safely inside the early
// portion of a slot. Per spec.md §4.3, the safe window is the first
// boundaryThreshold seconds of a slot; once second-in-slot reaches that
// threshold it sleeps through the boundary plus boundaryBuffer before
// returning, so a broadcast immediately after never lands in the last
// 2 seconds of a slot.
func (c *SlotClock) WaitForOptimalWindow(ctx context.Context) error {
	pos := c.Position()
	if pos.SecondIntoSlot < boundaryThreshold {
		return nil
	}

	wait := pos.SecondsUntilNextSlot + boundaryBuffer
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func fetchGenesisTime(ctx context.Context, beaconAPIURL string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, beaconAPIURL+"/eth/v1/beacon/genesis", nil)
	if err != nil {
		return time.Time{}, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("beacon genesis endpoint returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Data struct {
			GenesisTime string `json:"genesis_time"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return time.Time{}, err
	}

	seconds, err := strconv.ParseInt(payload.Data.GenesisTime, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("undecodable genesis_time %q: %w", payload.Data.GenesisTime, err)
	}
	return time.Unix(seconds, 0), nil
}
