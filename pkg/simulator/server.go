package simulator

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/takehaya/tgctl/pkg/api"
	"go.uber.org/zap"
)

// Server exposes an Engine over the management API.
type Server struct {
	engine *Engine
	log    *zap.Logger
	router *mux.Router
}

func NewServer(engine *Engine, lg *zap.Logger) *Server {
	s := &Server{engine: engine, log: lg, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler wraps the router with recovery and access logging.
func (s *Server) Handler() http.Handler {
	std := zap.NewStdLog(s.log.Named("http"))
	var h http.Handler = s.router
	h = handlers.CombinedLoggingHandler(std.Writer(), h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(std), handlers.PrintRecoveryStack(true))(h)
	return h
}

func (s *Server) routes() {
	r := s.router.PathPrefix(api.Prefix).Subrouter()

	r.HandleFunc("/info", s.info).Methods(http.MethodGet)
	r.HandleFunc("/timestamp", s.timestamp).Methods(http.MethodGet)
	r.HandleFunc("/users", s.users).Methods(http.MethodGet)
	r.HandleFunc("/interfaces", s.interfaces).Methods(http.MethodGet)
	r.HandleFunc("/interfaces/{name}/dump", s.dump).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.connect).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.disconnect).Methods(http.MethodDelete)

	r.HandleFunc("/ports", s.createPort).Methods(http.MethodPost)
	r.HandleFunc("/ports/{id}", s.portInfo).Methods(http.MethodGet)
	r.HandleFunc("/ports/{id}", s.destroyPort).Methods(http.MethodDelete)
	r.HandleFunc("/ports/{id}/mac", s.setMAC).Methods(http.MethodPut)
	r.HandleFunc("/ports/{id}/vlans", s.addVLAN).Methods(http.MethodPost)
	r.HandleFunc("/ports/{id}/ipv4", s.setIPv4).Methods(http.MethodPut)
	r.HandleFunc("/ports/{id}/dhcpv4", s.dhcpv4).Methods(http.MethodPost)
	r.HandleFunc("/ports/{id}/dhcpv6", s.portAction(s.engine.DHCPv6)).Methods(http.MethodPost)
	r.HandleFunc("/ports/{id}/slaac", s.portAction(s.engine.SLAAC)).Methods(http.MethodPost)
	r.HandleFunc("/ports/{id}/ipv6", s.addIPv6).Methods(http.MethodPost)
	r.HandleFunc("/ports/{id}/resolve", s.resolve).Methods(http.MethodPost)
	r.HandleFunc("/ports/{id}/start", s.idAction(s.engine.StartPort)).Methods(http.MethodPost)
	r.HandleFunc("/ports/{id}/stop", s.idAction(s.engine.StopPort)).Methods(http.MethodPost)

	r.HandleFunc("/ports/{id}/streams", s.addStream).Methods(http.MethodPost)
	r.HandleFunc("/streams/{id}", s.updateStream).Methods(http.MethodPut)
	r.HandleFunc("/streams/{id}", s.idAction(s.engine.RemoveStream)).Methods(http.MethodDelete)
	r.HandleFunc("/streams/{id}/start", s.idAction(s.engine.StartStream)).Methods(http.MethodPost)
	r.HandleFunc("/streams/{id}/stop", s.idAction(s.engine.StopStream)).Methods(http.MethodPost)
	r.HandleFunc("/streams/{id}/result", s.streamResult).Methods(http.MethodGet)

	r.HandleFunc("/ports/{id}/triggers", s.addTrigger).Methods(http.MethodPost)
	r.HandleFunc("/triggers/{id}/filter", s.setTriggerFilter).Methods(http.MethodPut)
	r.HandleFunc("/triggers/{id}/clear", s.idAction(s.engine.ClearTrigger)).Methods(http.MethodPost)
	r.HandleFunc("/triggers/{id}", s.idAction(s.engine.RemoveTrigger)).Methods(http.MethodDelete)
	r.HandleFunc("/triggers/{id}/result", s.triggerResult).Methods(http.MethodGet)

	r.HandleFunc("/ports/{id}/captures", s.addCapture).Methods(http.MethodPost)
	r.HandleFunc("/captures/{id}/filter", s.setCaptureFilter).Methods(http.MethodPut)
	r.HandleFunc("/captures/{id}/start", s.idAction(s.engine.StartCapture)).Methods(http.MethodPost)
	r.HandleFunc("/captures/{id}/stop", s.idAction(s.engine.StopCapture)).Methods(http.MethodPost)
	r.HandleFunc("/captures/{id}", s.idAction(s.engine.RemoveCapture)).Methods(http.MethodDelete)
	r.HandleFunc("/captures/{id}/result", s.captureResult).Methods(http.MethodGet)

	r.HandleFunc("/ports/{id}/httpservers", s.addHTTPServer).Methods(http.MethodPost)
	r.HandleFunc("/httpservers/{id}/port", s.setHTTPServerPort).Methods(http.MethodPut)
	r.HandleFunc("/httpservers/{id}/start", s.idAction(s.engine.StartHTTPServer)).Methods(http.MethodPost)
	r.HandleFunc("/httpservers/{id}/stop", s.idAction(s.engine.StopHTTPServer)).Methods(http.MethodPost)
	r.HandleFunc("/httpservers/{id}", s.idAction(s.engine.RemoveHTTPServer)).Methods(http.MethodDelete)
	r.HandleFunc("/httpservers/{id}", s.httpServerInfo).Methods(http.MethodGet)
	r.HandleFunc("/httpservers/{id}/sessions/{client}", s.httpServerSession).Methods(http.MethodGet)
	r.HandleFunc("/httpservers/{id}/sessions/{client}/history", s.httpServerSessionHistory).Methods(http.MethodGet)

	r.HandleFunc("/ports/{id}/httpclients", s.addHTTPClient).Methods(http.MethodPost)
	r.HandleFunc("/httpclients/{id}", s.updateHTTPClient).Methods(http.MethodPut)
	r.HandleFunc("/httpclients/{id}/start", s.idAction(s.engine.StartHTTPClient)).Methods(http.MethodPost)
	r.HandleFunc("/httpclients/{id}/stop", s.idAction(s.engine.StopHTTPClient)).Methods(http.MethodPost)
	r.HandleFunc("/httpclients/{id}", s.idAction(s.engine.RemoveHTTPClient)).Methods(http.MethodDelete)
	r.HandleFunc("/httpclients/{id}/session", s.httpClientSession).Methods(http.MethodGet)

	r.HandleFunc("/ports/{id}/icmp", s.addICMP).Methods(http.MethodPost)
	r.HandleFunc("/icmp/{id}", s.updateICMP).Methods(http.MethodPut)
	r.HandleFunc("/icmp/{id}/start", s.idAction(s.engine.StartICMPSession)).Methods(http.MethodPost)
	r.HandleFunc("/icmp/{id}/stop", s.idAction(s.engine.StopICMPSession)).Methods(http.MethodPost)
	r.HandleFunc("/icmp/{id}", s.idAction(s.engine.RemoveICMPSession)).Methods(http.MethodDelete)
	r.HandleFunc("/icmp/{id}", s.icmpInfo).Methods(http.MethodGet)

	r.HandleFunc("/ports/{id}/multicast", s.addMulticast).Methods(http.MethodPost)
	r.HandleFunc("/multicast/{id}/listen", s.listen).Methods(http.MethodPost)
	r.HandleFunc("/multicast/{id}/leave", s.idAction(s.engine.Leave)).Methods(http.MethodPost)
	r.HandleFunc("/multicast/{id}", s.idAction(s.engine.RemoveMulticastSession)).Methods(http.MethodDelete)
	r.HandleFunc("/multicast/{id}", s.multicastInfo).Methods(http.MethodGet)

	r.HandleFunc("/ports/{id}/tunnels", s.addTunnel).Methods(http.MethodPost)
	r.HandleFunc("/tunnels/{id}", s.updateTunnel).Methods(http.MethodPut)
	r.HandleFunc("/tunnels/{id}/start", s.startTunnel).Methods(http.MethodPost)
	r.HandleFunc("/tunnels/{id}/stop", s.idAction(s.engine.StopTunnel)).Methods(http.MethodPost)
	r.HandleFunc("/tunnels/{id}", s.idAction(s.engine.RemoveTunnel)).Methods(http.MethodDelete)
	r.HandleFunc("/tunnels/{id}", s.tunnelInfo).Methods(http.MethodGet)

	r.HandleFunc("/devices", s.devices).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}", s.device).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/lock", s.lockDevice).Methods(http.MethodPut)
	r.HandleFunc("/devices/{id}/scenario", s.setScenario).Methods(http.MethodPut)
	r.HandleFunc("/devices/{id}/prepare", s.sessionAction(s.engine.PrepareDevice)).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/start", s.startDevice).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/result", s.device).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/streams", s.addDeviceStream).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/streams/{stream}", s.removeDeviceStream).Methods(http.MethodDelete)
	r.HandleFunc("/devices/{id}/latency", s.addLatencyDistribution).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/latencybasic", s.addLatencyBasic).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/httpclients", s.addDeviceHTTPClient).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/httpclients/{client}", s.removeDeviceHTTPClient).Methods(http.MethodDelete)
	r.HandleFunc("/devices/{id}/networkmonitors", s.addNetworkMonitor).Methods(http.MethodPost)
	r.HandleFunc("/latency/{id}", s.idAction(s.engine.RemoveLatencyDistribution)).Methods(http.MethodDelete)
	r.HandleFunc("/latency/{id}/result", s.latencyResult).Methods(http.MethodGet)
	r.HandleFunc("/latency/{id}/basic", s.latencyBasicResult).Methods(http.MethodGet)
	r.HandleFunc("/networkmonitors/{id}", s.idAction(s.engine.RemoveNetworkMonitor)).Methods(http.MethodDelete)
	r.HandleFunc("/networkmonitors/{id}/history", s.networkMonitorHistory).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, api.Domain(api.CodeNotFound, "no route for %s %s", r.Method, r.URL.Path))
	})
}

func (s *Server) reply(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	if v == nil {
		v = struct{}{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		apiErr = api.Wrap(err, api.CodeInternal, "internal error")
	}
	if apiErr.Kind == api.KindTechnical {
		s.log.Warn("request failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(apiErr)
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return api.Domain(api.CodeBadRequest, "invalid request body: %v", err)
	}
	return nil
}

func vars(r *http.Request, key string) string { return mux.Vars(r)[key] }

func sessionID(r *http.Request) string { return r.Header.Get(api.SessionHeader) }

func (s *Server) idAction(fn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, nil, fn(vars(r, "id")))
	}
}

func (s *Server) portAction(fn func(string) (api.PortInfo, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := fn(vars(r, "id"))
		s.reply(w, info, err)
	}
}

func (s *Server) sessionAction(fn func(string, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, nil, fn(sessionID(r), vars(r, "id")))
	}
}

func (s *Server) created(w http.ResponseWriter, id string, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, api.IDResponse{ID: id}, nil)
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	s.reply(w, s.engine.ServiceInfo(), nil)
}

func (s *Server) timestamp(w http.ResponseWriter, r *http.Request) {
	s.reply(w, s.engine.Timestamp(), nil)
}

func (s *Server) users(w http.ResponseWriter, r *http.Request) {
	users := s.engine.Users()
	if users == nil {
		users = []api.User{}
	}
	s.reply(w, users, nil)
}

func (s *Server) interfaces(w http.ResponseWriter, r *http.Request) {
	s.reply(w, s.engine.Interfaces(), nil)
}

// durationQuery parses the duration query parameter key, def when absent.
func durationQuery(r *http.Request, key string, def time.Duration) (time.Duration, error) {
	q := r.URL.Query().Get(key)
	if q == "" {
		return def, nil
	}
	d, err := time.ParseDuration(q)
	if err != nil || d < 0 {
		return 0, api.Domain(api.CodeBadRequest, "invalid %s %q", key, q)
	}
	return d, nil
}

func (s *Server) dump(w http.ResponseWriter, r *http.Request) {
	d, err := durationQuery(r, "duration", time.Second)
	if err != nil {
		s.fail(w, err)
		return
	}
	var buf bytes.Buffer
	n, err := s.engine.Dump(r.Context(), vars(r, "name"), d, &buf)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	w.Header().Set(api.FramesHeader, strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req api.ConnectRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.User == "" {
		req.User = r.Header.Get(api.UserHeader)
	}
	id, err := s.engine.Connect(req.User)
	s.created(w, id, err)
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	s.reply(w, nil, s.engine.Disconnect(vars(r, "id")))
}

func (s *Server) createPort(w http.ResponseWriter, r *http.Request) {
	var req api.PortSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	info, err := s.engine.CreatePort(sessionID(r), req.Interface)
	s.reply(w, info, err)
}

func (s *Server) portInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.PortInfo(vars(r, "id"))
	s.reply(w, info, err)
}

func (s *Server) destroyPort(w http.ResponseWriter, r *http.Request) {
	s.reply(w, nil, s.engine.DestroyPort(vars(r, "id")))
}

func (s *Server) setMAC(w http.ResponseWriter, r *http.Request) {
	var req api.MACRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	info, err := s.engine.SetMAC(vars(r, "id"), req.MAC)
	s.reply(w, info, err)
}

func (s *Server) addVLAN(w http.ResponseWriter, r *http.Request) {
	var req api.VLANRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	info, err := s.engine.AddVLAN(vars(r, "id"), req.ID)
	s.reply(w, info, err)
}

func (s *Server) setIPv4(w http.ResponseWriter, r *http.Request) {
	var req api.IPv4Config
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	info, err := s.engine.SetIPv4(vars(r, "id"), req)
	s.reply(w, info, err)
}

func (s *Server) dhcpv4(w http.ResponseWriter, r *http.Request) {
	var req api.DHCPRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	info, err := s.engine.DHCPv4(vars(r, "id"), req.Async)
	s.reply(w, info, err)
}

func (s *Server) addIPv6(w http.ResponseWriter, r *http.Request) {
	var req api.IPv6Request
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	info, err := s.engine.AddIPv6(vars(r, "id"), req.Address)
	s.reply(w, info, err)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	var req api.ResolveRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	mac, err := s.engine.Resolve(vars(r, "id"), req.Address)
	s.reply(w, api.ResolveResponse{MAC: mac}, err)
}

func (s *Server) addStream(w http.ResponseWriter, r *http.Request) {
	var req api.StreamSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.engine.AddStream(vars(r, "id"), req)
	s.created(w, id, err)
}

func (s *Server) updateStream(w http.ResponseWriter, r *http.Request) {
	var req api.StreamSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, nil, s.engine.UpdateStream(vars(r, "id"), req))
}

func (s *Server) streamResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.StreamResult(vars(r, "id"))
	s.reply(w, res, err)
}

func (s *Server) addTrigger(w http.ResponseWriter, r *http.Request) {
	var req api.TriggerSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.engine.AddTrigger(vars(r, "id"), req)
	s.created(w, id, err)
}

func (s *Server) setTriggerFilter(w http.ResponseWriter, r *http.Request) {
	var req api.TriggerSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, nil, s.engine.SetTriggerFilter(vars(r, "id"), req.Filter))
}

func (s *Server) triggerResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.TriggerResult(vars(r, "id"))
	s.reply(w, res, err)
}

func (s *Server) addCapture(w http.ResponseWriter, r *http.Request) {
	var req api.CaptureSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.engine.AddCapture(vars(r, "id"), req)
	s.created(w, id, err)
}

func (s *Server) setCaptureFilter(w http.ResponseWriter, r *http.Request) {
	var req api.CaptureSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, nil, s.engine.SetCaptureFilter(vars(r, "id"), req.Filter))
}

func (s *Server) captureResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.CaptureResult(vars(r, "id"))
	s.reply(w, res, err)
}

func (s *Server) addHTTPServer(w http.ResponseWriter, r *http.Request) {
	var req api.HTTPServerSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.engine.AddHTTPServer(vars(r, "id"), req)
	s.created(w, id, err)
}

func (s *Server) setHTTPServerPort(w http.ResponseWriter, r *http.Request) {
	var req api.HTTPServerSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, nil, s.engine.SetHTTPServerPort(vars(r, "id"), req.Port))
}

func (s *Server) httpServerInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.HTTPServerInfo(vars(r, "id"))
	s.reply(w, info, err)
}

func (s *Server) httpServerSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.HTTPServerSession(vars(r, "id"), vars(r, "client"))
	s.reply(w, info, err)
}

func (s *Server) httpServerSessionHistory(w http.ResponseWriter, r *http.Request) {
	interval, err := durationQuery(r, "interval", 0)
	if err != nil {
		s.fail(w, err)
		return
	}
	h, err := s.engine.HTTPServerSessionHistory(vars(r, "id"), vars(r, "client"), interval)
	s.reply(w, h, err)
}

func (s *Server) addHTTPClient(w http.ResponseWriter, r *http.Request) {
	var req api.HTTPClientSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.engine.AddHTTPClient(vars(r, "id"), req)
	s.created(w, id, err)
}

func (s *Server) updateHTTPClient(w http.ResponseWriter, r *http.Request) {
	var req api.HTTPClientSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, nil, s.engine.UpdateHTTPClient(vars(r, "id"), req))
}

func (s *Server) httpClientSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.HTTPClientSession(vars(r, "id"))
	s.reply(w, info, err)
}

func (s *Server) addICMP(w http.ResponseWriter, r *http.Request) {
	var req api.ICMPSessionSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.engine.AddICMPSession(vars(r, "id"), req)
	s.created(w, id, err)
}

func (s *Server) updateICMP(w http.ResponseWriter, r *http.Request) {
	var req api.ICMPSessionSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, nil, s.engine.UpdateICMPSession(vars(r, "id"), req))
}

func (s *Server) icmpInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.ICMPSessionInfo(vars(r, "id"))
	s.reply(w, info, err)
}

func (s *Server) addMulticast(w http.ResponseWriter, r *http.Request) {
	var req api.MulticastSessionSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.engine.AddMulticastSession(vars(r, "id"), req)
	s.created(w, id, err)
}

func (s *Server) listen(w http.ResponseWriter, r *http.Request) {
	var req api.ListenRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, nil, s.engine.Listen(vars(r, "id"), req))
}

func (s *Server) multicastInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.MulticastSessionInfo(vars(r, "id"))
	s.reply(w, info, err)
}

func (s *Server) addTunnel(w http.ResponseWriter, r *http.Request) {
	var req api.TunnelSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.engine.AddTunnel(vars(r, "id"), req)
	s.created(w, id, err)
}

func (s *Server) updateTunnel(w http.ResponseWriter, r *http.Request) {
	var req api.TunnelSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, nil, s.engine.UpdateTunnel(vars(r, "id"), req))
}

func (s *Server) startTunnel(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.StartTunnel(vars(r, "id"))
	s.reply(w, info, err)
}

func (s *Server) tunnelInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.TunnelInfo(vars(r, "id"))
	s.reply(w, info, err)
}

func (s *Server) devices(w http.ResponseWriter, r *http.Request) {
	s.reply(w, s.engine.Devices(), nil)
}

func (s *Server) device(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Device(vars(r, "id"))
	s.reply(w, d, err)
}

func (s *Server) lockDevice(w http.ResponseWriter, r *http.Request) {
	var req api.LockRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, nil, s.engine.LockDevice(sessionID(r), vars(r, "id"), req.Locked))
}

func (s *Server) setScenario(w http.ResponseWriter, r *http.Request) {
	var req api.ScenarioRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, nil, s.engine.SetScenarioDuration(sessionID(r), vars(r, "id"), time.Duration(req.DurationNs)))
}

func (s *Server) startDevice(w http.ResponseWriter, r *http.Request) {
	at, err := s.engine.StartDevice(sessionID(r), vars(r, "id"))
	s.reply(w, api.StartResponse{StartTimeNs: at}, err)
}

func (s *Server) addDeviceStream(w http.ResponseWriter, r *http.Request) {
	var req api.DeviceStreamSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.engine.AddDeviceStream(sessionID(r), vars(r, "id"), req)
	s.created(w, id, err)
}

func (s *Server) removeDeviceStream(w http.ResponseWriter, r *http.Request) {
	s.reply(w, nil, s.engine.RemoveDeviceStream(sessionID(r), vars(r, "id"), vars(r, "stream")))
}

func (s *Server) addLatencyDistribution(w http.ResponseWriter, r *http.Request) {
	var req api.LatencyDistributionSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.engine.AddLatencyDistribution(sessionID(r), vars(r, "id"), req)
	s.created(w, id, err)
}

func (s *Server) latencyResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.LatencyDistributionResult(vars(r, "id"))
	s.reply(w, res, err)
}

func (s *Server) addLatencyBasic(w http.ResponseWriter, r *http.Request) {
	var req api.LatencyBasicSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.engine.AddLatencyBasic(sessionID(r), vars(r, "id"), req)
	s.created(w, id, err)
}

func (s *Server) latencyBasicResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.LatencyBasicResult(vars(r, "id"))
	s.reply(w, res, err)
}

func (s *Server) addDeviceHTTPClient(w http.ResponseWriter, r *http.Request) {
	var req api.HTTPClientSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.engine.AddDeviceHTTPClient(sessionID(r), vars(r, "id"), req)
	s.created(w, id, err)
}

func (s *Server) removeDeviceHTTPClient(w http.ResponseWriter, r *http.Request) {
	s.reply(w, nil, s.engine.RemoveDeviceHTTPClient(sessionID(r), vars(r, "id"), vars(r, "client")))
}

func (s *Server) addNetworkMonitor(w http.ResponseWriter, r *http.Request) {
	var req api.NetworkMonitorSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id, err := s.engine.AddNetworkMonitor(sessionID(r), vars(r, "id"), req)
	s.created(w, id, err)
}

func (s *Server) networkMonitorHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.NetworkMonitorHistory(vars(r, "id"))
	s.reply(w, h, err)
}
