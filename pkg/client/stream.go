package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/frame"
)

// Stream transmits its frames in turn, NumberOfFrames in total, one every
// inter frame gap.
type Stream struct {
	srv  *Server
	port *Port
	id   string
	spec api.StreamSpec
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) push(ctx context.Context) error {
	return s.srv.do(ctx, http.MethodPut, "/streams/"+s.id, s.spec, nil)
}

func (s *Stream) SetNumberOfFrames(ctx context.Context, n uint64) error {
	s.spec.NumberOfFrames = n
	return s.push(ctx)
}

func (s *Stream) SetInterFrameGap(ctx context.Context, gap time.Duration) error {
	s.spec.InterFrameGapNs = int64(gap)
	return s.push(ctx)
}

// AddFrame appends a frame. Time tagged frames carry a timestamp the
// receiving side uses for latency.
func (s *Stream) AddFrame(ctx context.Context, data []byte, timeTag bool) error {
	s.spec.Frames = append(s.spec.Frames, api.FrameSpec{Bytes: frame.Hex(data), TimeTag: timeTag})
	return s.push(ctx)
}

func (s *Stream) Start(ctx context.Context) error {
	return s.srv.do(ctx, http.MethodPost, "/streams/"+s.id+"/start", nil, nil)
}

func (s *Stream) Stop(ctx context.Context) error {
	return s.srv.do(ctx, http.MethodPost, "/streams/"+s.id+"/stop", nil, nil)
}

func (s *Stream) Remove(ctx context.Context) error {
	return s.srv.do(ctx, http.MethodDelete, "/streams/"+s.id, nil, nil)
}

func (s *Stream) Result(ctx context.Context) (api.StreamResult, error) {
	var res api.StreamResult
	err := s.srv.do(ctx, http.MethodGet, "/streams/"+s.id+"/result", nil, &res)
	return res, err
}

// Duration is the time the configured stream needs to send all frames.
func (s *Stream) Duration() time.Duration {
	return time.Duration(s.spec.NumberOfFrames) * time.Duration(s.spec.InterFrameGapNs)
}

func (s *Stream) Description() string {
	return fmt.Sprintf("stream %s: %d frames of %d templates every %s",
		s.id, s.spec.NumberOfFrames, len(s.spec.Frames), time.Duration(s.spec.InterFrameGapNs))
}

// Trigger counts the frames its port receives that match the filter. A
// latency trigger also reports latency of time tagged frames.
type Trigger struct {
	srv    *Server
	id     string
	kind   api.TriggerKind
	filter string
}

func (t *Trigger) ID() string { return t.id }

func (t *Trigger) Filter() string { return t.filter }

func (t *Trigger) SetFilter(ctx context.Context, expr string) error {
	if err := t.srv.do(ctx, http.MethodPut, "/triggers/"+t.id+"/filter", api.TriggerSpec{Kind: t.kind, Filter: expr}, nil); err != nil {
		return err
	}
	t.filter = expr
	return nil
}

// Clear restarts counting from now.
func (t *Trigger) Clear(ctx context.Context) error {
	return t.srv.do(ctx, http.MethodPost, "/triggers/"+t.id+"/clear", nil, nil)
}

func (t *Trigger) Remove(ctx context.Context) error {
	return t.srv.do(ctx, http.MethodDelete, "/triggers/"+t.id, nil, nil)
}

func (t *Trigger) Result(ctx context.Context) (api.TriggerResult, error) {
	var res api.TriggerResult
	err := t.srv.do(ctx, http.MethodGet, "/triggers/"+t.id+"/result", nil, &res)
	return res, err
}

// Capture keeps the frames matching its filter while running.
type Capture struct {
	srv *Server
	id  string
}

func (c *Capture) SetFilter(ctx context.Context, expr string) error {
	return c.srv.do(ctx, http.MethodPut, "/captures/"+c.id+"/filter", api.CaptureSpec{Filter: expr}, nil)
}

func (c *Capture) Start(ctx context.Context) error {
	return c.srv.do(ctx, http.MethodPost, "/captures/"+c.id+"/start", nil, nil)
}

func (c *Capture) Stop(ctx context.Context) error {
	return c.srv.do(ctx, http.MethodPost, "/captures/"+c.id+"/stop", nil, nil)
}

func (c *Capture) Remove(ctx context.Context) error {
	return c.srv.do(ctx, http.MethodDelete, "/captures/"+c.id, nil, nil)
}

func (c *Capture) Result(ctx context.Context) (api.CaptureResult, error) {
	var res api.CaptureResult
	err := c.srv.do(ctx, http.MethodGet, "/captures/"+c.id+"/result", nil, &res)
	return res, err
}
