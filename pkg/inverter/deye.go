package inverter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chargehelm/chargehelm/pkg/common"
	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/types"
)

const (
	deyeTokenPath         = "/v1.0/account/token"
	deyeLatestPath        = "/v1.0/device/latest"
	deyeScheduleGetPath   = "/v1.0/device/schedule/get"
	deyeScheduleSetPath   = "/v1.0/device/schedule/set"
	deyeScheduleClearPath = "/v1.0/device/schedule/clear"

	// deyeCodeTokenExpired is returned when the cached access token is no
	// longer valid and a fresh login is required.
	deyeCodeTokenExpired = 1001
)

// Deye implements Controller against the Deye cloud API.
type Deye struct {
	baseURL   string
	appID     string
	appSecret string
	client    *http.Client

	mu       sync.Mutex
	deviceID string
	token    string
}

// configuredDeye registers the flags for the Deye cloud driver and returns a
// factory producing one instance per user. The flags are shared; the device ID
// and token are per instance.
func configuredDeye() func() Controller {
	baseURL := lflag.String("deye-api-url", "https://eu1-developer.deyecloud.com", "Base URL for the Deye cloud API")
	appID := lflag.String("deye-app-id", "", "Deye cloud application ID")
	appSecret := lflag.String("deye-app-secret", "", "Deye cloud application secret")

	var cfg struct {
		baseURL   string
		appID     string
		appSecret string
	}
	lflag.Do(func() {
		cfg.baseURL = *baseURL
		cfg.appID = *appID
		cfg.appSecret = *appSecret
	})

	return func() Controller {
		return &Deye{
			baseURL:   cfg.baseURL,
			appID:     cfg.appID,
			appSecret: cfg.appSecret,
			client:    common.HTTPClient(10 * time.Second),
		}
	}
}

// ApplySettings picks up the device ID from the user's settings.
func (d *Deye) ApplySettings(_ context.Context, settings types.Settings) error {
	if settings.DeviceID == "" {
		return errors.New("deye driver requires a deviceID")
	}
	d.mu.Lock()
	d.deviceID = settings.DeviceID
	d.mu.Unlock()
	return nil
}

type deyeEnvelope struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type deyeTokenResult struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

func (d *Deye) login(ctx context.Context) error {
	if d.appID == "" || d.appSecret == "" {
		return errors.New("missing deye app credentials")
	}

	body := map[string]string{
		"appId":     d.appID,
		"appSecret": d.appSecret,
	}
	var res deyeTokenResult
	if err := d.post(ctx, deyeTokenPath, body, "", &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "deye login failed", slog.Any("error", err))
		return fmt.Errorf("login failed: %w", err)
	}
	if res.AccessToken == "" {
		return errors.New("deye login returned empty token")
	}
	d.token = res.AccessToken
	log.Ctx(ctx).DebugContext(ctx, "deye login success")
	return nil
}

// doRequest posts the body and decodes the data field of the envelope into
// dest. It retries once after a fresh login when the token has expired.
func (d *Deye) doRequest(ctx context.Context, path string, body interface{}, dest interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < 2; i++ {
		if d.token == "" {
			if err := d.login(ctx); err != nil {
				return err
			}
		}

		err := d.post(ctx, path, body, d.token, dest)
		var expired *deyeTokenExpiredError
		if errors.As(err, &expired) {
			// token expired, login again and retry once
			d.token = ""
			continue
		}
		return err
	}
	return errors.New("deye token expired after refresh")
}

type deyeTokenExpiredError struct{}

func (e *deyeTokenExpiredError) Error() string { return "deye token expired" }

func (d *Deye) post(ctx context.Context, path string, body interface{}, token string, dest interface{}) error {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return fmt.Errorf("invalid deye base url (%s): %w", d.baseURL, err)
	}
	u.Path, err = url.JoinPath(u.Path, path)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deye request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &deyeTokenExpiredError{}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deye api status: %d", resp.StatusCode)
	}

	var env deyeEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode deye response: %w", err)
	}
	if !env.Success {
		if env.Code == deyeCodeTokenExpired {
			return &deyeTokenExpiredError{}
		}
		return fmt.Errorf("deye api error %d: %s", env.Code, env.Msg)
	}
	if dest != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return fmt.Errorf("failed to unmarshal deye data: %w", err)
		}
	}
	return nil
}

type deyeLatestResult struct {
	DeviceID     string  `json:"deviceId"`
	CollectTime  int64   `json:"collectTime"`
	BatterySOC   float64 `json:"batterySOC"`
	BatteryPower float64 `json:"batteryPower"`
}

// GetTelemetry returns the current state-of-charge reading from the cloud.
func (d *Deye) GetTelemetry(ctx context.Context) (types.LiveTelemetry, error) {
	var res deyeLatestResult
	body := map[string]string{"deviceId": d.currentDeviceID()}
	if err := d.doRequest(ctx, deyeLatestPath, body, &res); err != nil {
		return types.LiveTelemetry{}, err
	}
	ts := time.Unix(res.CollectTime, 0)
	if res.CollectTime == 0 {
		ts = time.Now()
	}
	return types.LiveTelemetry{
		Timestamp:            ts,
		StateOfChargePercent: res.BatterySOC,
		BatteryWatts:         res.BatteryPower,
	}, nil
}

type deyeSegment struct {
	StartTime       int64 `json:"startTime"`
	DurationMinutes int   `json:"durationMinutes"`
	PowerWatts      int   `json:"powerWatts"`
	Enabled         bool  `json:"enabled"`
}

type deyeScheduleResult struct {
	Segment *deyeSegment `json:"segment"`
}

// ReadSegment returns the automation-owned segment currently on the device.
func (d *Deye) ReadSegment(ctx context.Context) (*types.DeviceSegment, error) {
	var res deyeScheduleResult
	body := map[string]string{"deviceId": d.currentDeviceID()}
	if err := d.doRequest(ctx, deyeScheduleGetPath, body, &res); err != nil {
		return nil, err
	}
	if res.Segment == nil {
		return nil, nil
	}
	return &types.DeviceSegment{
		StartTime:        time.Unix(res.Segment.StartTime, 0),
		DurationMinutes:  res.Segment.DurationMinutes,
		TargetPowerWatts: res.Segment.PowerWatts,
		Enabled:          res.Segment.Enabled,
	}, nil
}

// WriteSegment schedules the segment on the device.
func (d *Deye) WriteSegment(ctx context.Context, seg types.DeviceSegment) error {
	body := map[string]interface{}{
		"deviceId": d.currentDeviceID(),
		"segment": deyeSegment{
			StartTime:       seg.StartTime.Unix(),
			DurationMinutes: seg.DurationMinutes,
			PowerWatts:      seg.TargetPowerWatts,
			Enabled:         seg.Enabled,
		},
	}
	return d.doRequest(ctx, deyeScheduleSetPath, body, nil)
}

// ClearSegment removes the automation-owned segment from the device.
func (d *Deye) ClearSegment(ctx context.Context) error {
	body := map[string]string{"deviceId": d.currentDeviceID()}
	return d.doRequest(ctx, deyeScheduleClearPath, body, nil)
}

func (d *Deye) currentDeviceID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceID
}
