// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rajeshkarthik/EncryCore/business/web/errs"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/modifiers"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/node"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
	"github.com/rajeshkarthik/EncryCore/foundation/events"
	"github.com/rajeshkarthik/EncryCore/foundation/web"
)

// Handlers manages the set of public node endpoints.
type Handlers struct {
	Log  *zap.SugaredLogger
	Node *node.Node
	WS   websocket.Upgrader
	Evts *events.Events
}

// Info returns the node status snapshot.
func (h Handlers) Info(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.Node.Info(), http.StatusOK)
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// HeaderByID returns a known header by its hex id.
func (h Handlers) HeaderByID(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	raw, err := hex.DecodeString(web.Param(r, "id"))
	if err != nil || len(raw) != signature.HashSize {
		return errs.NewTrusted(fmt.Errorf("malformed header id"), http.StatusBadRequest)
	}

	var id modifiers.ModifierID
	copy(id[:], raw)

	header, ok := h.Node.History().HeaderByID(id)
	if !ok {
		return errs.NewTrusted(fmt.Errorf("header %x unknown", id[:8]), http.StatusNotFound)
	}

	return web.Respond(ctx, w, toHeader(header), http.StatusOK)
}

// Mempool returns the set of uncommitted transactions.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	txs := h.Node.Mempool().TakeAll()

	out := make([]tx, len(txs))
	for i, tran := range txs {
		out[i] = toTx(tran)
	}

	return web.Respond(ctx, w, out, http.StatusOK)
}

// SubmitTransaction adds a new user transaction to the mempool.
func (h Handlers) SubmitTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var payload submitTx
	if err := web.Decode(r, &payload); err != nil {
		return fmt.Errorf("unable to decode payload: %w", err)
	}

	tran, err := payload.toTransaction()
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	id := tran.ID()
	h.Log.Infow("add user tran", "traceid", v.TraceID, "tx", fmt.Sprintf("%x", id[:8]))

	if err := h.Node.SubmitTransaction(tran); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "transaction added to mempool",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}
