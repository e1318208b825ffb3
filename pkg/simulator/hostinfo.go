package simulator

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/takehaya/tgctl/pkg/api"
	"go.uber.org/zap"
)

// hostInfo fills the parts of the service description that come from the
// machine running the simulator.
func hostInfo(lg *zap.Logger) api.ServiceInfo {
	var info api.ServiceInfo
	if h, err := host.Info(); err == nil {
		info.Hostname = h.Hostname
	} else {
		lg.Debug("host info unavailable", zap.Error(err))
	}
	if n, err := cpu.Counts(true); err == nil {
		info.CPUs = n
	} else {
		lg.Debug("cpu count unavailable", zap.Error(err))
	}
	return info
}
