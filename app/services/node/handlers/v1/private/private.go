// Package private maintains the group of handlers for node
// administration: status and starting or stopping mining.
package private

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/node"
	"github.com/rajeshkarthik/EncryCore/foundation/web"
)

// Handlers manages the set of private node endpoints.
type Handlers struct {
	Log  *zap.SugaredLogger
	Node *node.Node
}

// Status returns the node status snapshot.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.Node.Info(), http.StatusOK)
}

// StartMining signals the worker to start the mining workflow.
func (h Handlers) StartMining(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	h.Node.Worker.SignalStartMining()

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "mining signaled",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// StopMining signals the worker back to idle.
func (h Handlers) StopMining(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	h.Node.Worker.SignalStopMining()

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "mining stopped",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}
