// Package handlers manages the different versions of the API.
package handlers

import (
	"expvar"
	"net/http"
	"net/http/pprof"
	"os"

	"go.uber.org/zap"

	v1 "github.com/rajeshkarthik/EncryCore/app/services/node/handlers/v1"
	"github.com/rajeshkarthik/EncryCore/business/web/mid"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/node"
	"github.com/rajeshkarthik/EncryCore/foundation/events"
	"github.com/rajeshkarthik/EncryCore/foundation/web"
)

// MuxConfig contains all the mandatory systems required by handlers.
type MuxConfig struct {
	Shutdown chan os.Signal
	Log      *zap.SugaredLogger
	Node     *node.Node
	Evts     *events.Events
}

// PublicMux constructs a http.Handler with all application routes
// defined.
func PublicMux(cfg MuxConfig) http.Handler {
	app := web.NewApp(
		cfg.Shutdown,
		mid.Logger(cfg.Log),
		mid.Errors(cfg.Log),
		mid.Cors("*"),
		mid.Panics(),
	)

	v1.PublicRoutes(app, v1.Config{
		Log:  cfg.Log,
		Node: cfg.Node,
		Evts: cfg.Evts,
	})

	return app
}

// PrivateMux constructs a http.Handler with all application routes
// defined.
func PrivateMux(cfg MuxConfig) http.Handler {
	app := web.NewApp(
		cfg.Shutdown,
		mid.Logger(cfg.Log),
		mid.Errors(cfg.Log),
		mid.Panics(),
	)

	v1.PrivateRoutes(app, v1.Config{
		Log:  cfg.Log,
		Node: cfg.Node,
	})

	return app
}

// DebugMux registers the debug standard library routes (pprof and expvar)
// for the service; no custom debug routes are added. Bypassing the use of
// the DefaultServerMux is important since a dependency could inject a
// handler into our service without us knowing it.
func DebugMux(build string, log *zap.SugaredLogger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/vars", expvar.Handler())

	return mux
}
