package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/w1xm/acu_interface/acu"
	"github.com/w1xm/acu_interface/faults"
	"github.com/w1xm/acu_interface/internal/metrics"
	"github.com/w1xm/acu_interface/monitor"
	"github.com/w1xm/acu_interface/scan"
	"github.com/w1xm/acu_interface/spem"
	"github.com/w1xm/acu_interface/trajectory"
)

type Server struct {
	ctl     *acu.Control
	monitor *monitor.Monitor
	scans   *scan.Controller
	spem    *spem.Client
	metrics *metrics.Collector
	limits  trajectory.Limits

	// ctx outlives requests; scans started over HTTP run under it.
	ctx context.Context

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     monitor.Status
	seq        uint64
}

func NewServer(ctx context.Context, ctl *acu.Control, mon *monitor.Monitor, scans *scan.Controller, client *spem.Client, m *metrics.Collector, limits trajectory.Limits) *Server {
	s := &Server{
		ctl:     ctl,
		monitor: mon,
		scans:   scans,
		spem:    client,
		metrics: m,
		limits:  limits,
		ctx:     ctx,
	}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

// Status is what the status endpoints publish.
type Status struct {
	monitor.Status
	Scan scan.Progress `json:"scan"`
}

func (s *Server) Handler(staticDir string) http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Methods("GET").Path("/status").HandlerFunc(s.StatusHandler)
	api.Path("/ws").HandlerFunc(s.StatusSocketHandler)
	api.Methods("POST").Path("/move").HandlerFunc(s.MoveHandler)
	api.Methods("POST").Path("/scan").HandlerFunc(s.ScanHandler)
	api.Methods("POST").Path("/stop").HandlerFunc(s.StopHandler)
	api.Methods("GET").Path("/spem").HandlerFunc(s.GetSPEMHandler)
	api.Methods("PUT").Path("/spem").HandlerFunc(s.PutSPEMHandler)
	api.Methods("POST").Path("/spem/check").HandlerFunc(s.CheckSPEMHandler)
	r.Handle("/metrics", s.metrics.Handler())
	if staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
	return r
}

// Watch publishes monitor samples to the status endpoints until ctx is done.
func (s *Server) Watch(ctx context.Context) error {
	updates, cancel := s.monitor.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			s.statusCallback(monitor.Status{})
			return ctx.Err()
		case st := <-updates:
			s.statusCallback(st)
		}
	}
}

func (s *Server) statusCallback(status monitor.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if !status.Polled.IsZero() {
		s.status = status
	}
	s.seq++
	s.statusCond.Broadcast()
}

func (s *Server) currentStatus() (Status, uint64) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return Status{Status: s.status, Scan: s.scans.Progress()}, s.seq
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Print(err)
	}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, scan.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, faults.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, faults.ErrDeviceFault):
		return http.StatusConflict
	case errors.Is(err, faults.ErrTransport):
		return http.StatusServiceUnavailable
	case errors.Is(err, faults.ErrCommandRejected):
		return http.StatusBadGateway
	case errors.Is(err, faults.ErrMotionTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]string{"error": err.Error(), "kind": faults.Kind(err)})
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status, _ := s.currentStatus()
	writeJSON(w, http.StatusOK, status)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Command is a request received over the status socket.
type Command struct {
	Command string                       `json:"command"`
	Az      float64                      `json:"az"`
	El      float64                      `json:"el"`
	Scan    *trajectory.LinearTurnaround `json:"scan,omitempty"`
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := s.handleCommand(msg); err != nil {
				log.Printf("ws %s: %v", msg.Command, err)
			}
		}
	}()
	// Wake the sender when the client goes away.
	go func() {
		<-ctx.Done()
		s.statusMu.Lock()
		s.statusCond.Broadcast()
		s.statusMu.Unlock()
	}()

	var mu sync.Mutex
	send := func(status Status) error {
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	status, seq := s.currentStatus()
	if err := send(status); err != nil {
		log.Print(err)
		return
	}
	for {
		s.statusMu.RLock()
		for s.seq == seq && ctx.Err() == nil {
			s.statusCond.Wait()
		}
		seq = s.seq
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}
		status, _ := s.currentStatus()
		if err := send(status); err != nil {
			log.Print(err)
			return
		}
	}
}

func (s *Server) handleCommand(msg Command) error {
	switch msg.Command {
	case "move":
		return s.start(trajectory.PointToPoint{Az: msg.Az, El: msg.El})
	case "scan":
		if msg.Scan == nil {
			return faults.Validationf("scan command without scan")
		}
		return s.start(*msg.Scan)
	case "stop":
		return s.stop(s.ctx)
	}
	return faults.Validationf("unknown command %q", msg.Command)
}

// start validates spec and runs it in the background.
func (s *Server) start(spec trajectory.Spec) error {
	if err := trajectory.Validate(spec, s.limits); err != nil {
		return err
	}
	if s.scans.Running() {
		return scan.ErrBusy
	}
	go func() {
		var err error
		if p, ok := spec.(trajectory.PointToPoint); ok {
			_, err = s.scans.MoveTo(s.ctx, p.Az, p.El)
		} else {
			_, err = s.scans.RunScan(s.ctx, spec)
		}
		if err != nil {
			log.Printf("%s: %v", spec.Kind(), err)
		}
	}()
	return nil
}

// stop cancels a running scan, which sends Stop, or stops the drive
// directly when idle.
func (s *Server) stop(ctx context.Context) error {
	if s.scans.Cancel() {
		return nil
	}
	return s.ctl.Stop(ctx)
}

func (s *Server) MoveHandler(w http.ResponseWriter, r *http.Request) {
	var req trajectory.PointToPoint
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, faults.Validationf("decoding move: %v", err))
		return
	}
	if err := s.start(req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) ScanHandler(w http.ResponseWriter, r *http.Request) {
	var req trajectory.LinearTurnaround
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, faults.Validationf("decoding scan: %v", err))
		return
	}
	if err := s.start(req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) StopHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SPEM is the pointing model stored on the ACU.
type SPEM struct {
	Coefficients map[string]float64 `json:"coefficients"`
	Enabled      *bool              `json:"enabled,omitempty"`
}

func (s *Server) GetSPEMHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.spem.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	on, err := s.spem.Enabled(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SPEM{Coefficients: c.Map(), Enabled: &on})
}

func (s *Server) PutSPEMHandler(w http.ResponseWriter, r *http.Request) {
	if s.scans.Running() {
		writeError(w, fmt.Errorf("changing the pointing model: %w", scan.ErrBusy))
		return
	}
	var req SPEM
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, faults.Validationf("decoding spem: %v", err))
		return
	}
	c, err := spem.NewCoefficients(req.Coefficients)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.spem.Set(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled != nil {
		if err := s.spem.SetEnabled(r.Context(), *req.Enabled); err != nil {
			writeError(w, err)
			return
		}
	}
	s.GetSPEMHandler(w, r)
}

func (s *Server) ready(ctx context.Context) (remote, stopped bool, err error) {
	st, err := s.ctl.Status(ctx)
	if err != nil {
		return false, false, err
	}
	return st.Remote, st.AzMode == acu.ModeStop && st.ElMode == acu.ModeStop, nil
}

// CheckSPEMHandler runs the commissioning checks. It writes to the ACU, so
// it is refused while a scan runs.
func (s *Server) CheckSPEMHandler(w http.ResponseWriter, r *http.Request) {
	if s.scans.Running() {
		writeError(w, fmt.Errorf("commissioning: %w", scan.ErrBusy))
		return
	}
	results, err := s.spem.Check(r.Context(), s.ready)
	resp := struct {
		Steps []spem.StepResult `json:"steps"`
		OK    bool              `json:"ok"`
	}{results, err == nil}
	writeJSON(w, http.StatusOK, resp)
}
