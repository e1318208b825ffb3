package client

import (
	"context"
	"net/http"
	"time"

	"github.com/takehaya/tgctl/pkg/api"
)

// MeetingPoint is a connection to the service wireless endpoints register
// with.
type MeetingPoint struct {
	*conn
}

func ConnectMeetingPoint(ctx context.Context, address string, opts ...Option) (*MeetingPoint, error) {
	c, err := dial(ctx, address, opts)
	if err != nil {
		return nil, err
	}
	return &MeetingPoint{conn: c}, nil
}

// Close ends the session and releases the endpoints it locked.
func (m *MeetingPoint) Close(ctx context.Context) error {
	return m.close(ctx)
}

func (m *MeetingPoint) Users(ctx context.Context) ([]api.User, error) {
	return m.users(ctx)
}

func (m *MeetingPoint) Timestamp(ctx context.Context) (time.Time, error) {
	return m.timestamp(ctx)
}

func (m *MeetingPoint) ServiceInfo(ctx context.Context) (api.ServiceInfo, error) {
	var info api.ServiceInfo
	err := m.do(ctx, http.MethodGet, "/info", nil, &info)
	return info, err
}

func (m *MeetingPoint) Devices(ctx context.Context) ([]*WirelessEndpoint, error) {
	var devs []api.Device
	if err := m.do(ctx, http.MethodGet, "/devices", nil, &devs); err != nil {
		return nil, err
	}
	out := make([]*WirelessEndpoint, 0, len(devs))
	for _, d := range devs {
		out = append(out, &WirelessEndpoint{mp: m, uuid: d.UUID, info: d})
	}
	return out, nil
}

func (m *MeetingPoint) Device(ctx context.Context, uuid string) (*WirelessEndpoint, error) {
	w := &WirelessEndpoint{mp: m, uuid: uuid}
	if _, err := w.Info(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// WirelessEndpoint is a device running scenarios scheduled through the
// meeting point.
type WirelessEndpoint struct {
	mp   *MeetingPoint
	uuid string
	info api.Device
}

func (w *WirelessEndpoint) UUID() string { return w.uuid }

func (w *WirelessEndpoint) path(suffix string) string { return "/devices/" + w.uuid + suffix }

// Info refreshes the endpoint description.
func (w *WirelessEndpoint) Info(ctx context.Context) (api.Device, error) {
	var d api.Device
	if err := w.mp.do(ctx, http.MethodGet, w.path(""), nil, &d); err != nil {
		return api.Device{}, err
	}
	w.info = d
	return d, nil
}

func (w *WirelessEndpoint) Status(ctx context.Context) (api.DeviceStatus, error) {
	d, err := w.Info(ctx)
	return d.Status, err
}

// Capability reports a capability from the last known description.
func (w *WirelessEndpoint) Capability(name string) bool { return w.info.Capabilities[name] }

func (w *WirelessEndpoint) Lock(ctx context.Context, locked bool) error {
	return w.mp.do(ctx, http.MethodPut, w.path("/lock"), api.LockRequest{Locked: locked}, nil)
}

func (w *WirelessEndpoint) SetScenarioDuration(ctx context.Context, d time.Duration) error {
	return w.mp.do(ctx, http.MethodPut, w.path("/scenario"), api.ScenarioRequest{DurationNs: int64(d)}, nil)
}

func (w *WirelessEndpoint) Prepare(ctx context.Context) error {
	return w.mp.do(ctx, http.MethodPost, w.path("/prepare"), nil, nil)
}

// Start schedules the prepared scenario and returns when it begins.
func (w *WirelessEndpoint) Start(ctx context.Context) (time.Time, error) {
	var res api.StartResponse
	if err := w.mp.do(ctx, http.MethodPost, w.path("/start"), nil, &res); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, res.StartTimeNs), nil
}

// Result fetches the endpoint state after a scenario.
func (w *WirelessEndpoint) Result(ctx context.Context) (api.Device, error) {
	var d api.Device
	if err := w.mp.do(ctx, http.MethodGet, w.path("/result"), nil, &d); err != nil {
		return api.Device{}, err
	}
	w.info = d
	return d, nil
}

// DeviceStream is a UDP stream sent by a wireless endpoint.
type DeviceStream struct {
	id   string
	spec api.DeviceStreamSpec
}

func (s *DeviceStream) ID() string { return s.id }

func (s *DeviceStream) Duration() time.Duration {
	return time.Duration(s.spec.NumberOfFrames) * time.Duration(s.spec.InterFrameGapNs)
}

func (w *WirelessEndpoint) TxStreamAdd(ctx context.Context, spec api.DeviceStreamSpec) (*DeviceStream, error) {
	var id api.IDResponse
	if err := w.mp.do(ctx, http.MethodPost, w.path("/streams"), spec, &id); err != nil {
		return nil, err
	}
	return &DeviceStream{id: id.ID, spec: spec}, nil
}

func (w *WirelessEndpoint) TxStreamRemove(ctx context.Context, s *DeviceStream) error {
	return w.mp.do(ctx, http.MethodDelete, w.path("/streams/"+s.id), nil, nil)
}

// LatencyDistribution buckets the latency of the frames a wireless
// endpoint receives.
type LatencyDistribution struct {
	mp *MeetingPoint
	id string
}

func (w *WirelessEndpoint) RxLatencyDistributionAdd(ctx context.Context, spec api.LatencyDistributionSpec) (*LatencyDistribution, error) {
	var id api.IDResponse
	if err := w.mp.do(ctx, http.MethodPost, w.path("/latency"), spec, &id); err != nil {
		return nil, err
	}
	return &LatencyDistribution{mp: w.mp, id: id.ID}, nil
}

func (l *LatencyDistribution) Result(ctx context.Context) (api.LatencyDistributionResult, error) {
	var res api.LatencyDistributionResult
	err := l.mp.do(ctx, http.MethodGet, "/latency/"+l.id+"/result", nil, &res)
	return res, err
}

func (l *LatencyDistribution) Remove(ctx context.Context) error {
	return l.mp.do(ctx, http.MethodDelete, "/latency/"+l.id, nil, nil)
}

// LatencyBasic counts the frames a wireless endpoint receives and keeps
// their latency.
type LatencyBasic struct {
	mp *MeetingPoint
	id string
}

func (w *WirelessEndpoint) RxLatencyBasicAdd(ctx context.Context, spec api.LatencyBasicSpec) (*LatencyBasic, error) {
	var id api.IDResponse
	if err := w.mp.do(ctx, http.MethodPost, w.path("/latencybasic"), spec, &id); err != nil {
		return nil, err
	}
	return &LatencyBasic{mp: w.mp, id: id.ID}, nil
}

func (l *LatencyBasic) Result(ctx context.Context) (api.TriggerResult, error) {
	var res api.TriggerResult
	err := l.mp.do(ctx, http.MethodGet, "/latency/"+l.id+"/basic", nil, &res)
	return res, err
}

func (l *LatencyBasic) Remove(ctx context.Context) error {
	return l.mp.do(ctx, http.MethodDelete, "/latency/"+l.id, nil, nil)
}

// DeviceHTTPClient is an HTTP session run by a wireless endpoint during
// its scenario.
type DeviceHTTPClient struct {
	w  *WirelessEndpoint
	id string
}

func (c *DeviceHTTPClient) ID() string { return c.id }

func (w *WirelessEndpoint) HTTPClientAdd(ctx context.Context, spec api.HTTPClientSpec) (*DeviceHTTPClient, error) {
	var id api.IDResponse
	if err := w.mp.do(ctx, http.MethodPost, w.path("/httpclients"), spec, &id); err != nil {
		return nil, err
	}
	return &DeviceHTTPClient{w: w, id: id.ID}, nil
}

func (c *DeviceHTTPClient) Remove(ctx context.Context) error {
	return c.w.mp.do(ctx, http.MethodDelete, c.w.path("/httpclients/"+c.id), nil, nil)
}

func (c *DeviceHTTPClient) SessionInfo(ctx context.Context) (api.HTTPSessionInfo, error) {
	var info api.HTTPSessionInfo
	err := c.w.mp.do(ctx, http.MethodGet, "/httpclients/"+c.id+"/session", nil, &info)
	return info, err
}

// NetworkInfoMonitor samples an interface of a wireless endpoint during
// its scenario.
type NetworkInfoMonitor struct {
	mp *MeetingPoint
	id string
}

func (w *WirelessEndpoint) NetworkInfoMonitorAdd(ctx context.Context, spec api.NetworkMonitorSpec) (*NetworkInfoMonitor, error) {
	var id api.IDResponse
	if err := w.mp.do(ctx, http.MethodPost, w.path("/networkmonitors"), spec, &id); err != nil {
		return nil, err
	}
	return &NetworkInfoMonitor{mp: w.mp, id: id.ID}, nil
}

func (m *NetworkInfoMonitor) History(ctx context.Context) ([]api.NetworkInfoSample, error) {
	var samples []api.NetworkInfoSample
	err := m.mp.do(ctx, http.MethodGet, "/networkmonitors/"+m.id+"/history", nil, &samples)
	return samples, err
}

func (m *NetworkInfoMonitor) Remove(ctx context.Context) error {
	return m.mp.do(ctx, http.MethodDelete, "/networkmonitors/"+m.id, nil, nil)
}
