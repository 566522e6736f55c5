package web

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"nuha.dev/locus/internal/scope"
	"nuha.dev/locus/internal/sublist"
)

const writeTimeout = 5 * time.Second

// stream upgrades to a websocket and writes every result as JSON. The
// connection is the subscription scope: it ends when the client goes away.
// While attached the client counts as the foreground. With ?mode=observe the
// client watches all sessions without starting one.
func (api *Api) stream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		api.log.Err(err).Msg("Error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "unhandled error")

	// the client never sends; reading only tracks the close handshake
	ctx := c.CloseRead(r.Context())
	if api.deps.Foreground != nil {
		detach := api.deps.Foreground.Attach()
		defer detach()
	}

	h := scope.FromContext(ctx)
	var sub *sublist.Subscription
	if r.URL.Query().Get("mode") == "observe" {
		sub = api.deps.Coordinator.Observe(h)
	} else {
		sub = api.deps.Coordinator.StartLocationUpdates(h)
	}
	defer sub.Close()
	api.log.Info().Str("sub", sub.ID()).Str("remote", r.RemoteAddr).Msg("stream attached")

	for {
		select {
		case res, ok := <-sub.C():
			if !ok {
				c.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c, resultMessage(res))
			cancel()
			if err != nil {
				api.log.Err(err).Str("sub", sub.ID()).Msg("Error while writing to connection")
				return
			}
		case <-ctx.Done():
			api.log.Info().Str("sub", sub.ID()).Msg("stream detached")
			return
		}
	}
}
