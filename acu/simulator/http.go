package simulator

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/w1xm/acu_interface/faults"
)

// Handler serves the ACU's HTTP primitives.
func (s *Simulator) Handler() http.Handler {
	r := mux.NewRouter()
	r.Methods("GET").Path("/Values").HandlerFunc(s.serveValues)
	r.Methods("GET").Path("/Command").HandlerFunc(s.serveCommand)
	r.Methods("POST").Path("/Write").HandlerFunc(s.serveWrite)
	r.Methods("POST").Path("/UploadPtStack").HandlerFunc(s.serveUpload)
	return r
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, faults.ErrTransport):
		code = http.StatusServiceUnavailable
	case errors.Is(err, faults.ErrBufferFault):
		code = http.StatusConflict
	case errors.Is(err, faults.ErrValidation):
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}

func (s *Simulator) serveValues(w http.ResponseWriter, r *http.Request) {
	v, err := s.Values(r.Context(), r.FormValue("identifier"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("sim: encoding values: %v", err)
	}
}

func (s *Simulator) serveCommand(w http.ResponseWriter, r *http.Request) {
	var params []string
	if p := r.FormValue("parameter"); p != "" {
		params = strings.Split(p, "|")
	}
	reply, err := s.Command(r.Context(), r.FormValue("identifier"), r.FormValue("command"), params...)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, reply)
}

func (s *Simulator) serveWrite(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Write(r.Context(), r.URL.Query().Get("identifier"), data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Simulator) serveUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, err := s.UploadPtStack(r.Context(), string(data))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, reply)
}
