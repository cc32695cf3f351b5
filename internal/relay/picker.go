package relay

import (
	"context"

	"github.com/dmitrijs2005/chatsync/internal/logging"
)

// Picker selects between the live channel and the REST fallback: sends
// prefer the live channel when it is up and fall back to REST on a
// retriable failure; subscription is always the live channel's stream.
type Picker struct {
	ws   *WSTransport
	rest *RESTClient
	log  logging.Logger
}

// NewPicker returns a Picker over the two channels.
func NewPicker(ws *WSTransport, rest *RESTClient, log logging.Logger) *Picker {
	return &Picker{ws: ws, rest: rest, log: log}
}

// Send implements Transport.
func (p *Picker) Send(ctx context.Context, env Envelope) (*DeliveryReceipt, error) {
	if p.ws.IsConnected() {
		receipt, err := p.ws.Send(ctx, env)
		if err == nil {
			return receipt, nil
		}
		if Classify(err) == Fatal {
			return nil, err
		}
		p.log.Debug(ctx, "live send failed, falling back to REST",
			"clientMessageId", env.ClientMessageID, "error", err)
	}
	return p.rest.Send(ctx, env)
}

// Subscribe implements Transport.
func (p *Picker) Subscribe(ctx context.Context) (<-chan Incoming, error) {
	return p.ws.Subscribe(ctx)
}

// Close implements Transport.
func (p *Picker) Close() error {
	_ = p.rest.Close()
	return p.ws.Close()
}
