package ops

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/client"
)

// Devices lists the wireless endpoints registered at the meeting point,
// sorted by name.
func Devices(ctx context.Context, mp *client.MeetingPoint) ([]api.Device, error) {
	eps, err := mp.Devices(ctx)
	if err != nil {
		return nil, err
	}
	devs := make([]api.Device, 0, len(eps))
	for _, ep := range eps {
		d, err := ep.Info(ctx)
		if err != nil {
			return nil, err
		}
		devs = append(devs, d)
	}
	sort.Slice(devs, func(i, j int) bool {
		if devs[i].GivenName != devs[j].GivenName {
			return devs[i].GivenName < devs[j].GivenName
		}
		return devs[i].UUID < devs[j].UUID
	})
	return devs, nil
}

func PrintDevices(w io.Writer, devs []api.Device) {
	fmt.Fprintln(w, "# UUID, name, model, os, status, ipv4, ssid")
	for _, d := range devs {
		fmt.Fprintf(w, "%s, '%s', %s, %s, %s, %s, %s\n",
			d.UUID, d.GivenName, d.Model, d.OS, d.Status, d.Network.IPv4, d.Network.SSID)
	}
}
