package simulator

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/filter"
	"github.com/takehaya/tgctl/pkg/frame"
	"go.uber.org/zap"
)

var allCapabilities = []string{
	api.CapabilityLatencyBasic,
	api.CapabilityLatencyDistribution,
	api.CapabilityTxUDP,
	api.CapabilityNetworkInfoMonitor,
}

// device is a wireless endpoint registered with the meeting point.
type device struct {
	uuid string
	cfg  DeviceConfig
	mac  net.HardwareAddr
	ip4  net.IP
	ip6  []net.IP

	lockedBy string
	duration time.Duration
	prepared bool
	startAt  time.Time
	endAt    time.Time
}

func newDevice(dc DeviceConfig) *device {
	d := &device{uuid: dc.UUID, cfg: dc, ip4: net.ParseIP(dc.IPv4).To4()}
	if d.uuid == "" {
		d.uuid = uuid.NewString()
	}
	d.mac, _ = net.ParseMAC(dc.MAC)
	for _, a := range dc.IPv6 {
		if ip := net.ParseIP(a); ip != nil {
			d.ip6 = append(d.ip6, ip)
		}
	}
	return d
}

func (d *device) nodeID() string              { return d.uuid }
func (d *device) hwAddr() net.HardwareAddr    { return d.mac }
func (d *device) behindNAT() bool             { return !d.cfg.Public }
func (d *device) ifaceName() string           { return "" }
func (d *device) outerVLAN() (uint16, bool)   { return 0, false }
func (d *device) extraLatency() time.Duration { return d.cfg.Latency }

func (d *device) ownsIP(ip net.IP, _ time.Time) bool {
	if ip.To4() != nil {
		return d.ip4.Equal(ip)
	}
	for _, a := range d.ip6 {
		if a.Equal(ip) {
			return true
		}
	}
	return false
}

func (d *device) status(now time.Time) api.DeviceStatus {
	switch {
	case d.cfg.Unavailable:
		return api.DeviceUnavailable
	case !d.startAt.IsZero() && now.Before(d.startAt):
		return api.DeviceArmed
	case now.Before(d.endAt):
		return api.DeviceRunning
	case d.prepared:
		return api.DeviceArmed
	case d.lockedBy != "":
		return api.DeviceReserved
	}
	return api.DeviceAvailable
}

func (d *device) hasCapability(name string) bool {
	if len(d.cfg.Capabilities) == 0 {
		for _, c := range allCapabilities {
			if c == name {
				return true
			}
		}
		return false
	}
	for _, c := range d.cfg.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

const wlanName = "wlan0"

// rssiSwing is the signal strength offset a monitor sees per sample.
var rssiSwing = []int{0, -1, -3, -2, 0, 1, 3, 2}

func (d *device) wlan(rssi int) api.NetworkInterface {
	w := api.NetworkInterface{
		Name:      wlanName,
		MAC:       d.mac.String(),
		SSID:      d.cfg.SSID,
		BSSID:     d.cfg.BSSID,
		RSSI:      rssi,
		Channel:   d.cfg.Channel,
		TxRateBps: d.cfg.TxRateBps,
	}
	if d.ip4 != nil {
		w.IPv4 = []string{d.ip4.String()}
	}
	for _, ip := range d.ip6 {
		w.IPv6 = append(w.IPv6, ip.String())
	}
	return w
}

func (d *device) network() api.NetworkInfo {
	wlan := d.wlan(d.cfg.RSSI)
	n := api.NetworkInfo{SSID: d.cfg.SSID, BSSID: d.cfg.BSSID, RSSI: d.cfg.RSSI, IPv6: wlan.IPv6}
	if d.ip4 != nil {
		n.IPv4 = d.ip4.String()
	}
	n.Interfaces = []api.NetworkInterface{wlan}
	return n
}

// window is the part of the last scenario a result of the given duration
// covers. A zero duration covers the whole scenario.
func (d *device) window(durationNs int64, now time.Time) (time.Time, time.Time, bool) {
	if d.startAt.IsZero() {
		return time.Time{}, time.Time{}, false
	}
	until := d.endAt
	if durationNs > 0 {
		until = d.startAt.Add(time.Duration(durationNs))
	}
	if now.Before(until) {
		until = now
	}
	return d.startAt, until, true
}

// histogram is a latency trigger on a device. A basic one only keeps the
// counters and the latency statistics.
type histogram struct {
	id    string
	dev   *device
	basic bool
	spec  api.LatencyDistributionSpec
	match filter.Matcher
}

// netMonitor samples the state of one device interface during the
// scenario.
type netMonitor struct {
	id       string
	dev      *device
	iface    string
	interval time.Duration
}

func (e *Engine) device(id string) (*device, error) {
	d, ok := e.devices[id]
	if !ok {
		return nil, e.notFound("wireless endpoint", id)
	}
	return d, nil
}

// lockedDevice returns the device when session holds its lock.
func (e *Engine) lockedDevice(session, id string) (*device, error) {
	d, err := e.device(id)
	if err != nil {
		return nil, err
	}
	if d.lockedBy != session {
		return nil, api.Domain(api.CodeLocked, "wireless endpoint %s is not locked by this session", id)
	}
	return d, nil
}

func (e *Engine) deviceInfo(d *device, now time.Time) api.Device {
	info := api.Device{
		UUID:               d.uuid,
		GivenName:          d.cfg.GivenName,
		Model:              d.cfg.Model,
		OS:                 d.cfg.OS,
		Status:             d.status(now),
		Network:            d.network(),
		Capabilities:       map[string]bool{},
		LockedBy:           e.sessionUser(d.lockedBy),
		ScenarioDurationNs: int64(d.duration),
	}
	for _, c := range allCapabilities {
		info.Capabilities[c] = d.hasCapability(c)
	}
	return info
}

func (e *Engine) Devices() []api.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	out := make([]api.Device, 0, len(e.deviceOrder))
	for _, id := range e.deviceOrder {
		out = append(out, e.deviceInfo(e.devices[id], now))
	}
	return out
}

func (e *Engine) Device(id string) (api.Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.device(id)
	if err != nil {
		return api.Device{}, err
	}
	return e.deviceInfo(d, e.now()), nil
}

// LockDevice reserves or releases a device for session.
func (e *Engine) LockDevice(session, id string, locked bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.device(id)
	if err != nil {
		return err
	}
	if d.cfg.Unavailable {
		return api.Domain(api.CodeUnavailable, "wireless endpoint %s is unavailable", id)
	}
	if d.lockedBy != "" && d.lockedBy != session {
		return api.Domain(api.CodeLocked, "wireless endpoint %s is locked by %s", id, e.sessionUser(d.lockedBy))
	}
	if locked {
		d.lockedBy = session
		return nil
	}
	if d.lockedBy == session {
		e.releaseDevice(d)
	}
	return nil
}

func (e *Engine) releaseDevice(d *device) {
	d.lockedBy = ""
	d.prepared = false
	d.startAt, d.endAt = time.Time{}, time.Time{}
	d.duration = 0
	for sid, s := range e.streams {
		if s.owner.nodeID() == d.uuid {
			delete(e.streams, sid)
		}
	}
	for hid, h := range e.histograms {
		if h.dev == d {
			delete(e.histograms, hid)
		}
	}
	for cid, c := range e.httpClients {
		if c.owner.nodeID() == d.uuid {
			delete(e.httpClients, cid)
		}
	}
	for mid, m := range e.monitors {
		if m.dev == d {
			delete(e.monitors, mid)
		}
	}
	e.log.Debug("wireless endpoint released", zap.String("device", d.uuid))
}

func (e *Engine) SetScenarioDuration(session, id string, duration time.Duration) error {
	if duration < 0 {
		return api.Domain(api.CodeBadRequest, "scenario duration must not be negative")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.lockedDevice(session, id)
	if err != nil {
		return err
	}
	d.duration = duration
	return nil
}

// AddDeviceStream adds a UDP stream sent by the device toward the address
// in spec.
func (e *Engine) AddDeviceStream(session, id string, spec api.DeviceStreamSpec) (string, error) {
	if spec.InterFrameGapNs <= 0 {
		return "", api.Domain(api.CodeBadRequest, "inter frame gap must be positive")
	}
	dst := net.ParseIP(spec.DestinationAddress)
	if dst == nil {
		return "", api.Domain(api.CodeBadRequest, "invalid destination address %q", spec.DestinationAddress)
	}
	payload, err := frame.FromHex(spec.Payload)
	if err != nil {
		return "", api.Domain(api.CodeBadRequest, "invalid payload: %v", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.lockedDevice(session, id)
	if err != nil {
		return "", err
	}
	if !d.hasCapability(api.CapabilityTxUDP) {
		return "", api.Domain(api.CodeUnsupported, "wireless endpoint %s cannot transmit UDP", id)
	}
	src := d.ip4
	if dst.To4() == nil {
		if len(d.ip6) == 0 {
			return "", api.Domain(api.CodeInvalidState, "wireless endpoint %s has no IPv6 address", id)
		}
		src = d.ip6[0]
	}
	data, err := (&frame.UDP{
		SrcMAC:  d.mac,
		DstMAC:  apMAC,
		SrcIP:   src,
		DstIP:   dst,
		SrcPort: spec.SourcePort,
		DstPort: spec.DestinationPort,
		Payload: payload,
	}).Bytes()
	if err != nil {
		return "", api.Domain(api.CodeBadRequest, "build frame: %v", err)
	}
	s := &stream{
		id:     uuid.NewString(),
		owner:  d,
		frames: []txFrame{{data: data, timeTag: true}},
		count:  spec.NumberOfFrames,
		gap:    time.Duration(spec.InterFrameGapNs),
	}
	e.streams[s.id] = s
	return s.id, nil
}

func (e *Engine) RemoveDeviceStream(session, id, streamID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.lockedDevice(session, id)
	if err != nil {
		return err
	}
	s, err := e.stream(streamID)
	if err != nil {
		return err
	}
	if s.owner != node(d) {
		return e.notFound("stream", streamID)
	}
	delete(e.streams, streamID)
	return nil
}

// deviceRxFilter matches the UDP frames a device latency trigger counts.
func deviceRxFilter(srcPort, dstPort uint16, srcAddr string) (filter.Matcher, error) {
	clauses := []string{"udp"}
	if srcPort != 0 {
		clauses = append(clauses, fmt.Sprintf("src port %d", srcPort))
	}
	if dstPort != 0 {
		clauses = append(clauses, fmt.Sprintf("dst port %d", dstPort))
	}
	if srcAddr != "" {
		clauses = append(clauses, "src host "+srcAddr)
	}
	return compileFilter(strings.Join(clauses, " and "))
}

func (e *Engine) addHistogram(session, id, capability string, h *histogram) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.lockedDevice(session, id)
	if err != nil {
		return "", err
	}
	if !d.hasCapability(capability) {
		return "", api.Domain(api.CodeUnsupported, "wireless endpoint %s lacks %s", id, capability)
	}
	h.id, h.dev = uuid.NewString(), d
	e.histograms[h.id] = h
	return h.id, nil
}

// AddLatencyDistribution creates a latency histogram over the UDP frames
// the device receives during its scenario.
func (e *Engine) AddLatencyDistribution(session, id string, spec api.LatencyDistributionSpec) (string, error) {
	if spec.Buckets <= 0 || spec.RangeMaxNs <= spec.RangeMinNs {
		return "", api.Domain(api.CodeBadRequest, "histogram needs buckets and a range with max above min")
	}
	m, err := deviceRxFilter(spec.SourcePort, spec.DestinationPort, spec.SourceAddress)
	if err != nil {
		return "", err
	}
	return e.addHistogram(session, id, api.CapabilityLatencyDistribution, &histogram{spec: spec, match: m})
}

// AddLatencyBasic creates a trigger that counts the UDP frames the device
// receives during its scenario and keeps their latency statistics.
func (e *Engine) AddLatencyBasic(session, id string, spec api.LatencyBasicSpec) (string, error) {
	if spec.DurationNs < 0 {
		return "", api.Domain(api.CodeBadRequest, "duration must not be negative")
	}
	m, err := deviceRxFilter(spec.SourcePort, spec.DestinationPort, spec.SourceAddress)
	if err != nil {
		return "", err
	}
	h := &histogram{basic: true, match: m, spec: api.LatencyDistributionSpec{
		DurationNs:      spec.DurationNs,
		SourcePort:      spec.SourcePort,
		DestinationPort: spec.DestinationPort,
		SourceAddress:   spec.SourceAddress,
	}}
	return e.addHistogram(session, id, api.CapabilityLatencyBasic, h)
}

// LatencyBasicResult reports the counters and latency of a basic trigger
// over the scenario and over the last full interval.
func (e *Engine) LatencyBasicResult(id string) (api.TriggerResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.histograms[id]
	if !ok {
		return api.TriggerResult{}, e.notFound("latency trigger", id)
	}
	if !h.basic {
		return api.TriggerResult{}, api.Domain(api.CodeInvalidState, "latency trigger %s is a distribution", id)
	}
	cum := &tally{withLatency: true, allLatency: true}
	iv := &tally{withLatency: true, allLatency: true}
	now := e.now()
	if from, until, ok := h.dev.window(h.spec.DurationNs, now); ok {
		e.arrivals(h.dev, from, until, h.match.MatchBytes, func(a arrival) bool { cum.add(a); return true })
		ivFrom, ivUntil := e.lastInterval(now)
		if ivFrom.Before(from) {
			ivFrom = from
		}
		if ivUntil.After(until) {
			ivUntil = until
		}
		if !ivUntil.Before(ivFrom) {
			e.arrivals(h.dev, ivFrom, ivUntil, h.match.MatchBytes, func(a arrival) bool { iv.add(a); return true })
		}
	}
	return api.TriggerResult{
		Cumulative:      cum.c,
		IntervalLatest:  iv.c,
		Latency:         cum.latency(),
		IntervalLatency: iv.latency(),
	}, nil
}

func (e *Engine) RemoveLatencyDistribution(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.histograms[id]; !ok {
		return e.notFound("latency distribution", id)
	}
	delete(e.histograms, id)
	return nil
}

func (e *Engine) LatencyDistributionResult(id string) (api.LatencyDistributionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.histograms[id]
	if !ok {
		return api.LatencyDistributionResult{}, e.notFound("latency distribution", id)
	}
	if h.basic {
		return api.LatencyDistributionResult{}, api.Domain(api.CodeInvalidState, "latency trigger %s has no distribution", id)
	}
	spec := h.spec
	width := (spec.RangeMaxNs - spec.RangeMinNs) / int64(spec.Buckets)
	if width <= 0 {
		width = 1
	}
	res := api.LatencyDistributionResult{
		RangeMinNs:    spec.RangeMinNs,
		RangeMaxNs:    spec.RangeMaxNs,
		BucketWidthNs: width,
		Buckets:       make([]uint64, spec.Buckets),
	}
	d := h.dev
	from, until, ok := d.window(spec.DurationNs, e.now())
	if !ok {
		return res, nil
	}
	t := &tally{withLatency: true, allLatency: true}
	e.arrivals(d, from, until, h.match.MatchBytes, func(a arrival) bool {
		t.add(a)
		ns := a.latency.Nanoseconds()
		switch {
		case ns < spec.RangeMinNs:
			res.BelowMin++
		case ns >= spec.RangeMaxNs:
			res.AboveMax++
		default:
			i := int((ns - spec.RangeMinNs) / width)
			if i >= len(res.Buckets) {
				i = len(res.Buckets) - 1
			}
			res.Buckets[i]++
		}
		return true
	})
	res.Cumulative = t.c
	res.Latency = *t.latency()
	return res, nil
}

// PrepareDevice arms the scenario. An unset duration becomes the time the
// longest device stream needs.
func (e *Engine) PrepareDevice(session, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.lockedDevice(session, id)
	if err != nil {
		return err
	}
	if st := d.status(e.now()); st == api.DeviceRunning {
		return api.Domain(api.CodeInvalidState, "wireless endpoint %s is running a scenario", id)
	}
	if d.duration == 0 {
		for _, s := range e.streams {
			if s.owner.nodeID() != d.uuid {
				continue
			}
			if need := time.Duration(s.count) * s.gap; need > d.duration {
				d.duration = need
			}
		}
		for _, c := range e.httpClients {
			if c.owner.nodeID() != d.uuid {
				continue
			}
			need := time.Duration(c.spec.InitialWaitNs+c.spec.DurationNs) + e.clientRTT(c)
			if c.spec.DurationNs == 0 {
				need += time.Duration(float64(c.spec.RequestSize) / e.nominalRate(c) * 1e9)
			}
			if need > d.duration {
				d.duration = need
			}
		}
	}
	for _, c := range e.httpClients {
		if c.owner.nodeID() == d.uuid {
			c.startedAt, c.stoppedAt = time.Time{}, time.Time{}
		}
	}
	d.prepared = true
	d.startAt, d.endAt = time.Time{}, time.Time{}
	return nil
}

// StartDevice schedules a prepared scenario one start delay from now and
// returns the start time.
func (e *Engine) StartDevice(session, id string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.lockedDevice(session, id)
	if err != nil {
		return 0, err
	}
	if !d.prepared {
		return 0, api.Domain(api.CodeInvalidState, "wireless endpoint %s is not prepared", id)
	}
	d.startAt = e.now().Add(e.cfg.StartDelay)
	d.endAt = d.startAt.Add(d.duration)
	d.prepared = false
	for _, sid := range sortedKeys(e.streams) {
		if s := e.streams[sid]; s.owner.nodeID() == d.uuid {
			e.startStream(s, d.startAt)
		}
	}
	// clients do not outlive the scenario
	for _, c := range e.httpClients {
		if c.owner.nodeID() == d.uuid {
			c.startedAt, c.stoppedAt = d.startAt, d.endAt
		}
	}
	e.log.Info("wireless endpoint scenario scheduled",
		zap.String("device", d.cfg.GivenName),
		zap.Time("start", d.startAt),
		zap.Duration("duration", d.duration))
	return d.startAt.UnixNano(), nil
}

// AddDeviceHTTPClient adds an HTTP client to the device toward the server
// in spec. It runs from the start of the device scenario until its end at
// the latest.
func (e *Engine) AddDeviceHTTPClient(session, id string, spec api.HTTPClientSpec) (string, error) {
	if err := validateHTTPClient(&spec); err != nil {
		return "", err
	}
	if spec.RemoteAddress == "" || spec.RemotePort == 0 {
		return "", api.Domain(api.CodeBadRequest, "http client needs a remote address and port")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.lockedDevice(session, id)
	if err != nil {
		return "", err
	}
	c := &httpClient{id: uuid.NewString(), owner: d, spec: spec, localPort: e.nextLocalPort()}
	e.httpClients[c.id] = c
	return c.id, nil
}

func (e *Engine) RemoveDeviceHTTPClient(session, id, clientID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.lockedDevice(session, id)
	if err != nil {
		return err
	}
	c, err := e.httpClient(clientID)
	if err != nil {
		return err
	}
	if c.owner.nodeID() != d.uuid {
		return e.notFound("http client", clientID)
	}
	delete(e.httpClients, clientID)
	return nil
}

// AddNetworkMonitor samples the named device interface during the
// scenario, one sample per interval.
func (e *Engine) AddNetworkMonitor(session, id string, spec api.NetworkMonitorSpec) (string, error) {
	if spec.IntervalNs < 0 {
		return "", api.Domain(api.CodeBadRequest, "interval must not be negative")
	}
	if spec.Interface == "" {
		spec.Interface = wlanName
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.lockedDevice(session, id)
	if err != nil {
		return "", err
	}
	if !d.hasCapability(api.CapabilityNetworkInfoMonitor) {
		return "", api.Domain(api.CodeUnsupported, "wireless endpoint %s lacks %s", id, api.CapabilityNetworkInfoMonitor)
	}
	if spec.Interface != wlanName {
		return "", api.Domain(api.CodeBadRequest, "wireless endpoint %s has no interface %q", id, spec.Interface)
	}
	m := &netMonitor{id: uuid.NewString(), dev: d, iface: spec.Interface, interval: time.Duration(spec.IntervalNs)}
	if m.interval == 0 {
		m.interval = e.cfg.Interval
	}
	e.monitors[m.id] = m
	return m.id, nil
}

func (e *Engine) RemoveNetworkMonitor(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.monitors[id]; !ok {
		return e.notFound("network monitor", id)
	}
	delete(e.monitors, id)
	return nil
}

// NetworkMonitorHistory returns the samples taken so far in the last
// scenario of the device.
func (e *Engine) NetworkMonitorHistory(id string) ([]api.NetworkInfoSample, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.monitors[id]
	if !ok {
		return nil, e.notFound("network monitor", id)
	}
	out := []api.NetworkInfoSample{}
	from, until, ok := m.dev.window(0, e.now())
	if !ok {
		return out, nil
	}
	for k, at := 0, from; at.Before(until) && k < maxHistorySamples; k, at = k+1, at.Add(m.interval) {
		rssi := m.dev.cfg.RSSI + rssiSwing[k%len(rssiSwing)]
		out = append(out, api.NetworkInfoSample{
			TimestampNs: at.UnixNano(),
			Interfaces:  []api.NetworkInterface{m.dev.wlan(rssi)},
		})
	}
	return out, nil
}
