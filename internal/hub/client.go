// Package hub owns the live control connection to a Harmony hub: the
// websocket transport, the connect/verify/reconnect lifecycle, and the
// retried command dispatch.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadrwalters/harmonyctl/internal/harmony"
)

const (
	hubPort      = 8088
	hubOrigin    = "http://sl.dhg.myharmony.com"
	hubDomain    = "svcs.myharmony.com"
	replyTimeout = 10 * time.Second

	cmdConfig          = "vnd.logitech.harmony/vnd.logitech.harmony.engine?config"
	cmdCurrentActivity = "vnd.logitech.harmony/vnd.logitech.harmony.engine?getCurrentActivity"
	cmdHoldAction      = "vnd.logitech.harmony/vnd.logitech.harmony.engine?holdAction"
	cmdRunActivity     = "harmony.activityengine?runactivity"
)

// RawConfig is the hub's configuration as it comes off the wire: a device
// owns control groups, a control group owns functions.
type RawConfig struct {
	Activity []RawActivity `json:"activity"`
	Device   []RawDevice   `json:"device"`
}

type RawActivity struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type RawDevice struct {
	ID           string            `json:"id"`
	Label        string            `json:"label"`
	Type         string            `json:"type"`
	ControlGroup []RawControlGroup `json:"controlGroup"`
}

type RawControlGroup struct {
	Name     string        `json:"name"`
	Function []RawFunction `json:"function"`
}

type RawFunction struct {
	Name   string `json:"name"`
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Transport is one open control channel to a hub. A socket being open does
// not mean the control channel is ready; Probe is the only truth. RemoteID
// reports the id the channel was opened with, so callers can carry it
// forward and skip the provision-info fetch on reconnect.
type Transport interface {
	Probe(ctx context.Context) error
	RemoteID() string
	Config(ctx context.Context) (RawConfig, error)
	CurrentActivity(ctx context.Context) (string, error)
	StartActivity(ctx context.Context, activityID string) error
	SendAction(ctx context.Context, deviceID, command, status string) error
	Close() error
}

// Dialer opens a transport to a hub. Swapped for a fake in tests.
type Dialer func(ctx context.Context, h harmony.Hub) (Transport, error)

// client is the production websocket transport.
type client struct {
	conn     *websocket.Conn
	remoteID string
	log      zerolog.Logger
}

// Dial resolves the hub's remote id if the record does not carry one, then
// opens the control websocket.
func Dial(log zerolog.Logger) Dialer {
	return func(ctx context.Context, h harmony.Hub) (Transport, error) {
		remoteID := h.RemoteID
		if remoteID == "" {
			id, err := fetchRemoteID(ctx, h.IP)
			if err != nil {
				return nil, fmt.Errorf("provision info from %s: %w", h.IP, err)
			}
			remoteID = id
		}

		url := fmt.Sprintf("ws://%s:%d/?domain=%s&hubId=%s", h.IP, hubPort, hubDomain, remoteID)
		header := http.Header{"Origin": []string{hubOrigin}}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}

		log.Debug().Str("ip", h.IP).Str("remoteId", remoteID).Msg("control channel opened")
		return &client{conn: conn, remoteID: remoteID, log: log}, nil
	}
}

// fetchRemoteID asks the hub's HTTP endpoint for the account's active
// remote id, which the websocket URL requires.
func fetchRemoteID(ctx context.Context, ip string) (string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"id":     1,
		"cmd":    "setup.account?getProvisionInfo",
		"params": map[string]interface{}{},
	})

	url := fmt.Sprintf("http://%s:%d/", ip, hubPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", hubOrigin)

	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}

	var parsed struct {
		Data struct {
			ActiveRemoteID json.Number `json:"activeRemoteId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse provision info: %w", err)
	}
	id := parsed.Data.ActiveRemoteID.String()
	if id == "" {
		return "", fmt.Errorf("provision info carried no remote id")
	}
	return id, nil
}

type hubRequest struct {
	HubID   string  `json:"hubId"`
	Timeout int     `json:"timeout"`
	Hbus    hbusCmd `json:"hbus"`
}

type hbusCmd struct {
	Cmd    string                 `json:"cmd"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params"`
}

type hubResponse struct {
	ID   string          `json:"id"`
	Code json.RawMessage `json:"code"`
	Data json.RawMessage `json:"data"`
}

// roundTrip sends one hbus command and reads frames until the reply with
// the matching id arrives. The manager serializes callers, so a single
// reader is safe.
func (c *client) roundTrip(ctx context.Context, cmd string, params map[string]interface{}) (json.RawMessage, error) {
	id := uuid.New().String()
	req := hubRequest{
		HubID:   c.remoteID,
		Timeout: 30,
		Hbus:    hbusCmd{Cmd: cmd, ID: id, Params: params},
	}

	deadline := time.Now().Add(replyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", cmd, err)
	}

	c.conn.SetReadDeadline(deadline)
	for {
		var resp hubResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			return nil, fmt.Errorf("reply to %s: %w", cmd, err)
		}
		if resp.ID != id {
			// Unsolicited state digest or a stale reply; skip it.
			continue
		}
		if code := strings.Trim(string(resp.Code), `"`); code != "" && code != "200" {
			return nil, fmt.Errorf("%s: hub returned code %s", cmd, code)
		}
		return resp.Data, nil
	}
}

// send writes a fire-and-forget command the hub does not acknowledge.
func (c *client) send(ctx context.Context, cmd string, params map[string]interface{}) error {
	req := hubRequest{
		HubID:   c.remoteID,
		Timeout: 30,
		Hbus:    hbusCmd{Cmd: cmd, ID: uuid.New().String(), Params: params},
	}
	deadline := time.Now().Add(replyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}

func (c *client) RemoteID() string {
	return c.remoteID
}

// Probe fetches the current activity. The first success after a socket
// opens is what makes the connection count as established.
func (c *client) Probe(ctx context.Context) error {
	_, err := c.CurrentActivity(ctx)
	return err
}

func (c *client) Config(ctx context.Context) (RawConfig, error) {
	data, err := c.roundTrip(ctx, cmdConfig, map[string]interface{}{"verb": "get"})
	if err != nil {
		return RawConfig{}, err
	}
	var cfg RawConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RawConfig{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *client) CurrentActivity(ctx context.Context) (string, error) {
	data, err := c.roundTrip(ctx, cmdCurrentActivity, map[string]interface{}{"verb": "get", "format": "json"})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Result json.Number `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("parse current activity: %w", err)
	}
	return parsed.Result.String(), nil
}

func (c *client) StartActivity(ctx context.Context, activityID string) error {
	_, err := c.roundTrip(ctx, cmdRunActivity, map[string]interface{}{
		"activityId": activityID,
		"timestamp":  time.Now().UnixMilli(),
	})
	return err
}

// SendAction emits one timestamped hold-action signal. The action payload
// is itself a JSON string, per the hub protocol.
func (c *client) SendAction(ctx context.Context, deviceID, command, status string) error {
	action, _ := json.Marshal(map[string]string{
		"command":  command,
		"type":     "IRCommand",
		"deviceId": deviceID,
	})
	return c.send(ctx, cmdHoldAction, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
		"verb":      "render",
		"action":    string(action),
	})
}

func (c *client) Close() error {
	// Best-effort close frame, then tear the socket down regardless.
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
