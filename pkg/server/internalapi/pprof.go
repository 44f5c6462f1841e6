package internalapi

import (
	"net/http"
	"net/http/pprof"

	"github.com/julienschmidt/httprouter"

	"go.f110.dev/instances/pkg/server"
)

// Prof serves the runtime profiles of the agent.
type Prof struct{}

var _ server.ChildServer = &Prof{}

func NewProf() *Prof {
	return &Prof{}
}

func (p *Prof) Route(mux *httprouter.Router) {
	mux.GET("/debug/pprof/*name", p.Profile)
}

func (p *Prof) Profile(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	switch params.ByName("name") {
	case "/cmdline":
		pprof.Cmdline(w, req)
	case "/profile":
		pprof.Profile(w, req)
	case "/symbol":
		pprof.Symbol(w, req)
	case "/trace":
		pprof.Trace(w, req)
	default:
		// Index serves the named profiles (heap, goroutine, ...) too.
		pprof.Index(w, req)
	}
}
