package simulator

import (
	"container/heap"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/filter"
	"github.com/takehaya/tgctl/pkg/frame"
	"go.uber.org/zap"
)

type txFrame struct {
	data    []byte
	timeTag bool
}

type stream struct {
	id        string
	owner     node
	frames    []txFrame
	count     uint64
	gap       time.Duration
	startedAt time.Time
	stoppedAt time.Time
}

// sentBy is the number of frames sent at or before t.
func (s *stream) sentBy(t time.Time) uint64 {
	if s.startedAt.IsZero() || t.Before(s.startedAt) || len(s.frames) == 0 {
		return 0
	}
	end := t
	if !s.stoppedAt.IsZero() {
		if !s.stoppedAt.After(s.startedAt) {
			return 0
		}
		if stop := s.stoppedAt.Add(-time.Nanosecond); stop.Before(end) {
			end = stop
		}
	}
	n := uint64(end.Sub(s.startedAt)/s.gap) + 1
	if n > s.count {
		n = s.count
	}
	return n
}

func (s *stream) sendTime(i uint64) time.Time {
	return s.startedAt.Add(time.Duration(i) * s.gap)
}

func (s *stream) status(now time.Time) api.StreamStatus {
	switch {
	case s.startedAt.IsZero():
		return api.StreamConfigured
	case !s.stoppedAt.IsZero() && !s.stoppedAt.After(now):
		if s.sentBy(now) == s.count {
			return api.StreamFinished
		}
		return api.StreamStopped
	case s.sentBy(now) == s.count:
		return api.StreamFinished
	}
	return api.StreamRunning
}

func (s *stream) stop(now time.Time) {
	if s.startedAt.IsZero() || s.status(now) != api.StreamRunning {
		return
	}
	s.stoppedAt = now
}

// bytesIn sums the sizes of frames [a, b).
func (s *stream) bytesIn(a, b uint64) uint64 {
	l := uint64(len(s.frames))
	var total uint64
	for j, f := range s.frames {
		total += (countBelow(b, uint64(j), l) - countBelow(a, uint64(j), l)) * uint64(len(f.data))
	}
	return total
}

// countBelow counts i < n with i%l == j.
func countBelow(n, j, l uint64) uint64 {
	c := n / l
	if j < n%l {
		c++
	}
	return c
}

func (s *stream) counters(a, b uint64) api.Counters {
	if b <= a {
		return api.Counters{}
	}
	return api.Counters{
		PacketCount:    b - a,
		ByteCount:      s.bytesIn(a, b),
		TimestampFirst: s.sendTime(a).UnixNano(),
		TimestampLast:  s.sendTime(b - 1).UnixNano(),
	}
}

func (e *Engine) lastInterval(now time.Time) (time.Time, time.Time) {
	end := now.Truncate(e.cfg.Interval)
	return end.Add(-e.cfg.Interval), end.Add(-time.Nanosecond)
}

func decodeFrames(spec api.StreamSpec) ([]txFrame, error) {
	frames := make([]txFrame, 0, len(spec.Frames))
	for _, f := range spec.Frames {
		b, err := frame.FromHex(f.Bytes)
		if err != nil {
			return nil, api.Domain(api.CodeBadRequest, "invalid frame: %v", err)
		}
		if len(b) < 14 {
			return nil, api.Domain(api.CodeBadRequest, "frame of %d bytes is shorter than an Ethernet header", len(b))
		}
		frames = append(frames, txFrame{data: b, timeTag: f.TimeTag})
	}
	return frames, nil
}

func validateStream(spec api.StreamSpec) error {
	if spec.InterFrameGapNs <= 0 {
		return api.Domain(api.CodeBadRequest, "inter frame gap must be positive")
	}
	return nil
}

func (e *Engine) stream(id string) (*stream, error) {
	s, ok := e.streams[id]
	if !ok {
		return nil, e.notFound("stream", id)
	}
	return s, nil
}

func (e *Engine) AddStream(portID string, spec api.StreamSpec) (string, error) {
	if err := validateStream(spec); err != nil {
		return "", err
	}
	frames, err := decodeFrames(spec)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(portID)
	if err != nil {
		return "", err
	}
	s := &stream{id: uuid.NewString(), owner: p, frames: frames, count: spec.NumberOfFrames, gap: time.Duration(spec.InterFrameGapNs)}
	e.streams[s.id] = s
	return s.id, nil
}

// UpdateStream replaces the configuration of a stream that is not running.
func (e *Engine) UpdateStream(id string, spec api.StreamSpec) error {
	if err := validateStream(spec); err != nil {
		return err
	}
	frames, err := decodeFrames(spec)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.stream(id)
	if err != nil {
		return err
	}
	if s.status(e.now()) == api.StreamRunning {
		return api.Domain(api.CodeInvalidState, "stream %s is running", id)
	}
	s.frames, s.count, s.gap = frames, spec.NumberOfFrames, time.Duration(spec.InterFrameGapNs)
	return nil
}

func (e *Engine) RemoveStream(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.stream(id); err != nil {
		return err
	}
	delete(e.streams, id)
	return nil
}

func (e *Engine) StartStream(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.stream(id)
	if err != nil {
		return err
	}
	if len(s.frames) == 0 || s.count == 0 {
		return api.Domain(api.CodeInvalidState, "stream %s has nothing to send", id)
	}
	e.startStream(s, e.now())
	return nil
}

func (e *Engine) startStream(s *stream, at time.Time) {
	if len(s.frames) == 0 || s.count == 0 {
		return
	}
	s.startedAt, s.stoppedAt = at, time.Time{}
	// routing once records the NAT bindings the stream creates
	for _, f := range s.frames {
		e.route(s.owner, f.data, at)
	}
	e.log.Debug("stream started", zap.String("stream", s.id), zap.Uint64("frames", s.count), zap.Duration("gap", s.gap))
}

func (e *Engine) StopStream(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.stream(id)
	if err != nil {
		return err
	}
	s.stop(e.now())
	return nil
}

func (e *Engine) StreamResult(id string) (api.StreamResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.stream(id)
	if err != nil {
		return api.StreamResult{}, err
	}
	now := e.now()
	res := api.StreamResult{Status: s.status(now)}
	res.Cumulative = s.counters(0, s.sentBy(now))

	from, until := e.lastInterval(now)
	res.IntervalLatest = s.counters(s.sentBy(from.Add(-time.Nanosecond)), s.sentBy(until))
	return res, nil
}

type arrival struct {
	at      time.Time
	latency time.Duration
	data    []byte
	timeTag bool
}

func (e *Engine) jitter(i uint64) time.Duration {
	if e.cfg.Latency.Jitter <= 0 {
		return 0
	}
	return time.Duration(int64(e.cfg.Latency.Jitter) * int64((i*7919+13)%101) / 100)
}

// arrivals visits the frames reaching n with an arrival time in
// [from, until] for which match holds. visit returns false to stop.
func (e *Engine) arrivals(n node, from, until time.Time, match func([]byte) bool, visit func(arrival) bool) {
	for _, sid := range sortedKeys(e.streams) {
		s := e.streams[sid]
		if s.startedAt.IsZero() {
			continue
		}
		l := uint64(len(s.frames))
		for j, f := range s.frames {
			for _, d := range e.route(s.owner, f.data, until) {
				if d.to.nodeID() != n.nodeID() || !match(d.data) {
					continue
				}
				lat0 := e.cfg.Latency.Base + d.delay
				sent := s.sentBy(until.Add(-lat0))
				var lo uint64
				if first := from.Add(-lat0).Sub(s.startedAt); first > 0 {
					lo = uint64((first + s.gap - 1) / s.gap)
				}
				// first index at or above lo that carries template j
				i := lo - lo%l + uint64(j)
				if i < lo {
					i += l
				}
				for ; i < sent; i += l {
					st := s.sendTime(i)
					if !d.admits(st) {
						continue
					}
					a := arrival{at: st.Add(lat0), latency: lat0 + e.jitter(i), data: d.data, timeTag: f.timeTag}
					if !visit(a) {
						return
					}
				}
			}
		}
	}
}

type tally struct {
	c api.Counters

	latN        int64
	latMin      int64
	latMax      int64
	latSum      float64
	latSumSq    float64
	allLatency  bool
	withLatency bool
}

func (t *tally) add(a arrival) {
	ts := a.at.UnixNano()
	if t.c.PacketCount == 0 || ts < t.c.TimestampFirst {
		t.c.TimestampFirst = ts
	}
	if ts > t.c.TimestampLast {
		t.c.TimestampLast = ts
	}
	t.c.PacketCount++
	t.c.ByteCount += uint64(len(a.data))

	if !t.withLatency || (!a.timeTag && !t.allLatency) {
		return
	}
	ns := a.latency.Nanoseconds()
	if t.latN == 0 || ns < t.latMin {
		t.latMin = ns
	}
	if ns > t.latMax {
		t.latMax = ns
	}
	t.latN++
	t.latSum += float64(ns)
	t.latSumSq += float64(ns) * float64(ns)
}

// latency reports min, average, max and jitter, the standard deviation of
// the latency samples.
func (t *tally) latency() *api.LatencyStats {
	if t.latN == 0 {
		return &api.LatencyStats{}
	}
	n := float64(t.latN)
	avg := t.latSum / n
	variance := t.latSumSq/n - avg*avg
	if variance < 0 {
		variance = 0
	}
	return &api.LatencyStats{
		MinNs:    t.latMin,
		AvgNs:    int64(math.Round(avg)),
		MaxNs:    t.latMax,
		JitterNs: int64(math.Round(math.Sqrt(variance))),
	}
}

type trigger struct {
	id        string
	port      *port
	kind      api.TriggerKind
	filter    string
	match     filter.Matcher
	clearedAt time.Time
}

func compileFilter(expr string) (filter.Matcher, error) {
	m, err := filter.Compile(expr)
	if err != nil {
		return nil, api.Domain(api.CodeInvalidFilter, "%v", err)
	}
	return m, nil
}

func (e *Engine) trigger(id string) (*trigger, error) {
	t, ok := e.triggers[id]
	if !ok {
		return nil, e.notFound("trigger", id)
	}
	return t, nil
}

// AddTrigger creates a trigger that counts from its creation onward.
func (e *Engine) AddTrigger(portID string, spec api.TriggerSpec) (string, error) {
	if spec.Kind == "" {
		spec.Kind = api.TriggerBasic
	}
	if spec.Kind != api.TriggerBasic && spec.Kind != api.TriggerLatency {
		return "", api.Domain(api.CodeBadRequest, "unknown trigger kind %q", spec.Kind)
	}
	m, err := compileFilter(spec.Filter)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(portID)
	if err != nil {
		return "", err
	}
	t := &trigger{id: uuid.NewString(), port: p, kind: spec.Kind, filter: spec.Filter, match: m, clearedAt: e.now()}
	e.triggers[t.id] = t
	return t.id, nil
}

func (e *Engine) SetTriggerFilter(id, expr string) error {
	m, err := compileFilter(expr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.trigger(id)
	if err != nil {
		return err
	}
	t.filter, t.match = expr, m
	return nil
}

func (e *Engine) ClearTrigger(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.trigger(id)
	if err != nil {
		return err
	}
	t.clearedAt = e.now()
	return nil
}

func (e *Engine) RemoveTrigger(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.trigger(id); err != nil {
		return err
	}
	delete(e.triggers, id)
	return nil
}

func (e *Engine) TriggerResult(id string) (api.TriggerResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.trigger(id)
	if err != nil {
		return api.TriggerResult{}, err
	}
	now := e.now()
	withLatency := t.kind == api.TriggerLatency

	cum := &tally{withLatency: withLatency}
	e.arrivals(t.port, t.clearedAt, now, t.match.MatchBytes, func(a arrival) bool { cum.add(a); return true })

	iv := &tally{withLatency: withLatency}
	from, until := e.lastInterval(now)
	if from.Before(t.clearedAt) {
		from = t.clearedAt
	}
	if !until.Before(from) {
		e.arrivals(t.port, from, until, t.match.MatchBytes, func(a arrival) bool { iv.add(a); return true })
	}

	res := api.TriggerResult{Cumulative: cum.c, IntervalLatest: iv.c}
	if withLatency {
		res.Latency = cum.latency()
		res.IntervalLatency = iv.latency()
	}
	return res, nil
}

type capture struct {
	id        string
	port      *port
	filter    string
	match     filter.Matcher
	startedAt time.Time
	stoppedAt time.Time
}

func (c *capture) running() bool { return !c.startedAt.IsZero() && c.stoppedAt.IsZero() }

func (e *Engine) capture(id string) (*capture, error) {
	c, ok := e.captures[id]
	if !ok {
		return nil, e.notFound("capture", id)
	}
	return c, nil
}

func (e *Engine) AddCapture(portID string, spec api.CaptureSpec) (string, error) {
	m, err := compileFilter(spec.Filter)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(portID)
	if err != nil {
		return "", err
	}
	c := &capture{id: uuid.NewString(), port: p, filter: spec.Filter, match: m}
	e.captures[c.id] = c
	return c.id, nil
}

func (e *Engine) SetCaptureFilter(id, expr string) error {
	m, err := compileFilter(expr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.capture(id)
	if err != nil {
		return err
	}
	if c.running() {
		return api.Domain(api.CodeInvalidState, "capture %s is running", id)
	}
	c.filter, c.match = expr, m
	return nil
}

func (e *Engine) StartCapture(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.capture(id)
	if err != nil {
		return err
	}
	c.startedAt, c.stoppedAt = e.now(), time.Time{}
	return nil
}

func (e *Engine) StopCapture(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.capture(id)
	if err != nil {
		return err
	}
	if !c.running() {
		return api.Domain(api.CodeInvalidState, "capture %s is not running", id)
	}
	c.stoppedAt = e.now()
	return nil
}

func (e *Engine) RemoveCapture(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.capture(id); err != nil {
		return err
	}
	delete(e.captures, id)
	return nil
}

func (e *Engine) CaptureResult(id string) (api.CaptureResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.capture(id)
	if err != nil {
		return api.CaptureResult{}, err
	}
	res := api.CaptureResult{Running: c.running(), Frames: []api.CapturedFrame{}}
	if c.startedAt.IsZero() {
		return res, nil
	}
	until := e.now()
	if !c.stoppedAt.IsZero() {
		until = c.stoppedAt
	}
	res.Frames = e.collect(c.port, c.startedAt, until, c.match.MatchBytes)
	res.PacketCount = uint64(len(res.Frames))
	return res, nil
}

// newest is a max-heap on the arrival time, its root is the newest frame
// kept so far.
type newest []api.CapturedFrame

func (h newest) Len() int            { return len(h) }
func (h newest) Less(i, j int) bool  { return h[i].TimestampNs > h[j].TimestampNs }
func (h newest) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *newest) Push(x interface{}) { *h = append(*h, x.(api.CapturedFrame)) }
func (h *newest) Pop() interface{} {
	old := *h
	f := old[len(old)-1]
	*h = old[:len(old)-1]
	return f
}

// collect gathers the oldest frames reaching n, up to the capture limit,
// oldest first. Streams are walked one after the other, so the limit is
// applied over all of them.
func (e *Engine) collect(n node, from, until time.Time, match func([]byte) bool) []api.CapturedFrame {
	limit := e.cfg.CaptureLimit
	if limit <= 0 {
		return []api.CapturedFrame{}
	}
	kept := &newest{}
	e.arrivals(n, from, until, match, func(a arrival) bool {
		f := api.CapturedFrame{TimestampNs: a.at.UnixNano(), Bytes: a.data}
		switch {
		case kept.Len() < limit:
			heap.Push(kept, f)
		case f.TimestampNs < (*kept)[0].TimestampNs:
			(*kept)[0] = f
			heap.Fix(kept, 0)
		}
		return true
	})
	frames := []api.CapturedFrame(*kept)
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].TimestampNs < frames[j].TimestampNs })
	return frames
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
