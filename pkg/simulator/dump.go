package simulator

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/takehaya/tgctl/pkg/api"
)

const snapLen = 65536

// Dump records every frame delivered to the ports of an interface for d
// and writes them to w as a pcap file.
func (e *Engine) Dump(ctx context.Context, ifaceName string, d time.Duration, w io.Writer) (int, error) {
	e.mu.Lock()
	_, ok := e.ifaces[ifaceName]
	start := e.now()
	e.mu.Unlock()
	if !ok {
		return 0, api.Domain(api.CodeNotFound, "interface %s does not exist", ifaceName)
	}

	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		t.Stop()
	case <-t.C:
	}

	e.mu.Lock()
	end := e.now()
	var frames []api.CapturedFrame
	for _, p := range e.portByIface(ifaceName) {
		frames = append(frames, e.collect(p, start, end, func([]byte) bool { return true })...)
	}
	e.mu.Unlock()
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].TimestampNs < frames[j].TimestampNs })

	return len(frames), writePcap(w, frames)
}

func writePcap(w io.Writer, frames []api.CapturedFrame) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return api.Wrap(err, api.CodeInternal, "write pcap header")
	}
	for _, f := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(0, f.TimestampNs),
			CaptureLength: len(f.Bytes),
			Length:        len(f.Bytes),
		}
		if err := pw.WritePacket(ci, f.Bytes); err != nil {
			return api.Wrap(err, api.CodeInternal, "write pcap record")
		}
	}
	return nil
}
