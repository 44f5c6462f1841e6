package server

import (
	"github.com/julienschmidt/httprouter"
)

// ChildServer registers its handlers to the router of a server.
type ChildServer interface {
	Route(mux *httprouter.Router)
}

// NewRouter returns the router that every child has been registered to.
func NewRouter(child ...ChildServer) *httprouter.Router {
	mux := httprouter.New()
	for _, v := range child {
		v.Route(mux)
	}

	return mux
}
