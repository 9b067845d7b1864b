package lan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
)

// Discover probes candidate addresses in parallel and returns the first one
// that answers the ping with a valid shared-secret token. Each probe carries
// its own short timeout.
func Discover(ctx context.Context, client *http.Client, candidates []string, token, registerID string, probeTimeout time.Duration) (*PeerRegistration, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidate addresses configured")
	}

	type result struct {
		reg *PeerRegistration
	}
	results := make(chan result, len(candidates))

	for _, addr := range candidates {
		go func(addr string) {
			reg, err := probe(ctx, client, addr, token, registerID, probeTimeout)
			if err != nil {
				logger.Log.Debug("Discovery probe failed", zap.String("addr", addr), zap.Error(err))
				results <- result{}
				return
			}
			results <- result{reg: reg}
		}(addr)
	}

	for range candidates {
		select {
		case r := <-results:
			if r.reg != nil {
				logger.Log.Info("Discovered server register",
					zap.String("addr", r.reg.Address),
					zap.String("registerID", r.reg.RegisterID),
				)
				return r.reg, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("no server register responded on %d candidates", len(candidates))
}

func probe(ctx context.Context, client *http.Client, addr, token, registerID string, timeout time.Duration) (*PeerRegistration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/peer/v1/ping", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(registerIDHeader, registerID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ping returned status %d", resp.StatusCode)
	}

	var body struct {
		RegisterID string `json:"register_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	return &PeerRegistration{
		RegisterID: body.RegisterID,
		Address:    addr,
		LastSeen:   time.Now(),
		Reachable:  true,
	}, nil
}
