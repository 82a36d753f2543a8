// Package api talks to the room backend, the REST collaborator that
// persists room life-cycle and resolves member display meta-data. It
// can independently refuse a life-cycle transition, which is why the
// coordinator consults it before broadcasting one.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/openclass/classroom/internal/domain"
)

var ErrBackendRejected = errors.New("backend rejected request")

const defaultHTTPTimeout = 10 * time.Second

type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

type updateRoomStatusRequest struct {
	RoomUUID  string           `json:"roomUUID"`
	NewStatus domain.Lifecycle `json:"newStatus"`
}

// UpdateRoomStatus persists a life-cycle transition. Must succeed
// before the transition is broadcast to the room channel.
func (c *Client) UpdateRoomStatus(ctx context.Context, roomID domain.RoomID, status domain.Lifecycle) error {
	err := c.post(ctx, "/v1/room/update-status", updateRoomStatusRequest{
		RoomUUID:  string(roomID),
		NewStatus: status,
	}, nil)
	if err != nil {
		return fmt.Errorf("update room status: %w", err)
	}
	log.Info().Str("module", "api").Str("room", string(roomID)).Str("status", string(status)).Msg("room status persisted")
	return nil
}

type fetchMembersRequest struct {
	RoomUUID  string   `json:"roomUUID"`
	UsersUUID []string `json:"usersUUID"`
}

type fetchMembersResponse struct {
	Response map[string]domain.UserInfo `json:"response"`
}

// FetchMembers resolves display meta-data for the given peer ids.
func (c *Client) FetchMembers(ctx context.Context, roomID domain.RoomID, ids []domain.PeerID) (map[domain.PeerID]domain.UserInfo, error) {
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, string(id))
	}
	var resp fetchMembersResponse
	if err := c.post(ctx, "/v1/room/members", fetchMembersRequest{
		RoomUUID:  string(roomID),
		UsersUUID: raw,
	}, &resp); err != nil {
		return nil, fmt.Errorf("fetch members: %w", err)
	}
	out := make(map[domain.PeerID]domain.UserInfo, len(resp.Response))
	for id, info := range resp.Response {
		out[domain.PeerID(id)] = info
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s", ErrBackendRejected, resp.Status, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
