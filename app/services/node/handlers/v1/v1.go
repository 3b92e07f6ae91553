// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/rajeshkarthik/EncryCore/app/services/node/handlers/v1/private"
	"github.com/rajeshkarthik/EncryCore/app/services/node/handlers/v1/public"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/node"
	"github.com/rajeshkarthik/EncryCore/foundation/events"
	"github.com/rajeshkarthik/EncryCore/foundation/web"
)

const version = "v1"

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log  *zap.SugaredLogger
	Node *node.Node
	Evts *events.Events
}

// PublicRoutes binds all the version 1 public routes.
func PublicRoutes(app *web.App, cfg Config) {
	pbl := public.Handlers{
		Log:  cfg.Log,
		Node: cfg.Node,
		Evts: cfg.Evts,
	}

	app.Handle(http.MethodGet, version, "/node/info", pbl.Info)
	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodGet, version, "/header/:id", pbl.HeaderByID)
	app.Handle(http.MethodGet, version, "/tx/uncommitted/list", pbl.Mempool)
	app.Handle(http.MethodPost, version, "/tx/add", pbl.SubmitTransaction)
}

// PrivateRoutes binds all the version 1 private routes.
func PrivateRoutes(app *web.App, cfg Config) {
	prv := private.Handlers{
		Log:  cfg.Log,
		Node: cfg.Node,
	}

	app.Handle(http.MethodGet, version, "/node/status", prv.Status)
	app.Handle(http.MethodGet, version, "/node/mining/start", prv.StartMining)
	app.Handle(http.MethodGet, version, "/node/mining/stop", prv.StopMining)
}
