package hl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sigflow/sigflow/sigflow"
)

// userStateClient queries the clearinghouseState info endpoint directly. The
// SDK focuses on order flow; the account snapshot the trader sizes against is
// a plain POST /info call.
type userStateClient struct {
	baseURL string
	http    *http.Client
}

func newUserStateClient(baseURL string) *userStateClient {
	return &userStateClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Hyperliquid reports all numbers as decimal strings.
type clearinghouseState struct {
	Withdrawable               string                  `json:"withdrawable"`
	CrossMaintenanceMarginUsed string                  `json:"crossMaintenanceMarginUsed"`
	CrossMarginSummary         marginSummary           `json:"crossMarginSummary"`
	MarginSummary              marginSummary           `json:"marginSummary"`
	AssetPositions             []clearinghousePosition `json:"assetPositions"`
}

type marginSummary struct {
	AccountValue string `json:"accountValue"`
	TotalNtlPos  string `json:"totalNtlPos"`
	TotalRawUsd  string `json:"totalRawUsd"`
}

type clearinghousePosition struct {
	Type     string       `json:"type"`
	Position positionData `json:"position"`
}

type positionData struct {
	Coin          string `json:"coin"`
	Szi           string `json:"szi"`
	EntryPx       string `json:"entryPx"`
	PositionValue string `json:"positionValue"`
	UnrealizedPnl string `json:"unrealizedPnl"`
	MarkPx        string `json:"markPx"`
}

func (c *userStateClient) fetch(ctx context.Context, address string) (sigflow.UserState, error) {
	payload, err := json.Marshal(map[string]string{
		"type": "clearinghouseState",
		"user": address,
	})
	if err != nil {
		return sigflow.UserState{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(payload))
	if err != nil {
		return sigflow.UserState{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return sigflow.UserState{}, fmt.Errorf("query user state: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return sigflow.UserState{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return sigflow.UserState{}, fmt.Errorf("query user state: status %d: %s", resp.StatusCode, body)
	}

	var state clearinghouseState
	if err := json.Unmarshal(body, &state); err != nil {
		return sigflow.UserState{}, fmt.Errorf("decode user state: %w", err)
	}

	return mapUserState(state), nil
}

func mapUserState(state clearinghouseState) sigflow.UserState {
	out := sigflow.UserState{
		AccountValue:      parseFloat(state.CrossMarginSummary.AccountValue),
		Withdrawable:      parseFloat(state.Withdrawable),
		MaintenanceMargin: parseFloat(state.CrossMaintenanceMarginUsed),
	}
	if out.AccountValue == 0 {
		out.AccountValue = parseFloat(state.MarginSummary.AccountValue)
	}

	for _, ap := range state.AssetPositions {
		pos := ap.Position
		size := parseFloat(pos.Szi)
		if size == 0 {
			continue
		}
		entry := parseFloat(pos.EntryPx)
		mark := parseFloat(pos.MarkPx)
		if mark == 0 {
			mark = entry
		}
		out.Positions = append(out.Positions, sigflow.RemotePosition{
			Coin:          pos.Coin,
			Size:          size,
			EntryPrice:    entry,
			UnrealizedPnl: parseFloat(pos.UnrealizedPnl),
			MarkPrice:     mark,
		})
	}

	return out
}
