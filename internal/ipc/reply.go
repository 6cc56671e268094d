package ipc

import (
	"fmt"

	"github.com/mithrel/conduit/pkg/api"
)

// CreateReply returns a builder whose message, once sent on the connection the
// request arrived on, resolves the peer's SendAwaitingReply call.
func CreateReply(req *api.Message) (*api.Builder, error) {
	corr := req.Correlation()
	if corr.IsZero() {
		return nil, fmt.Errorf("%w: message was not received as a request", ErrNoMatchingRequest)
	}
	return api.NewBuilder().Correlate(corr), nil
}
