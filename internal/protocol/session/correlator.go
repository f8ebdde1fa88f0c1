package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/h9ctl/internal/observability"
	"github.com/danmuck/h9ctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Expect describes the response that resolves an exchange.
type Expect struct {
	Code protocol.Code
	// Token narrows the correlation key beyond (device, code), e.g. the
	// system key of a VALUE_WANT.
	Token string
	// Match optionally filters candidate responses with the same key.
	Match func(protocol.Message) bool
}

type pendingKey struct {
	deviceID byte
	code     protocol.Code
	token    string
}

type exchangeResult struct {
	msg protocol.Message
	err error
}

// pendingExchange tracks one request awaiting its response.
type pendingExchange struct {
	key         pendingKey
	requestCode protocol.Code
	seq         uint64
	deadline    time.Time
	match       func(protocol.Message) bool
	result      chan exchangeResult
}

// Correlator matches inbound messages to outstanding requests on one Link.
type Correlator struct {
	link        Link
	unsolicited func(protocol.Message)

	mu      sync.Mutex
	pending map[pendingKey]*pendingExchange
	seq     uint64
	closed  bool
}

// NewCorrelator installs itself as the link's inbound handler. Messages that
// resolve no exchange are passed to unsolicited (may be nil) and dropped.
func NewCorrelator(link Link, unsolicited func(protocol.Message)) *Correlator {
	c := &Correlator{
		link:        link,
		unsolicited: unsolicited,
		pending:     make(map[pendingKey]*pendingExchange),
	}
	link.OnMessage(c.HandleFrame)
	return c
}

// Exchange sends req and waits for the expected response, an ERROR reply
// from the same device, the timeout, or ctx cancellation. At most one
// exchange per (device, code, token) may be outstanding.
func (c *Correlator) Exchange(ctx context.Context, req protocol.Message, expect Expect, timeout time.Duration) (protocol.Message, error) {
	wire, err := protocol.Encode(req)
	if err != nil {
		return protocol.Message{}, err
	}

	start := time.Now()
	p := &pendingExchange{
		key:         pendingKey{deviceID: req.DeviceID, code: expect.Code, token: expect.Token},
		requestCode: req.Code,
		deadline:    start.Add(timeout),
		match:       expect.Match,
		result:      make(chan exchangeResult, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Message{}, ErrClosed
	}
	if _, busy := c.pending[p.key]; busy {
		c.mu.Unlock()
		observability.RecordExchange(req.Code.String(), "in_flight", 0)
		return protocol.Message{}, fmt.Errorf("%w: device=%d code=%s token=%q", ErrExchangeInFlight, p.key.deviceID, p.key.code, p.key.token)
	}
	c.seq++
	p.seq = c.seq
	c.pending[p.key] = p
	c.mu.Unlock()

	log.Debug().
		Uint8("device_id", req.DeviceID).
		Str("code", req.Code.String()).
		Str("expect", expect.Code.String()).
		Str("frame", protocol.FormatBytes(wire, 32)).
		Msg("session.Correlator.Exchange send")

	if err := c.link.Send(wire); err != nil {
		c.unregister(p)
		observability.RecordExchange(req.Code.String(), "send_error", time.Since(start))
		return protocol.Message{}, fmt.Errorf("session: send %s: %w", req.Code, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res exchangeResult
	select {
	case res = <-p.result:
	case <-timer.C:
		if c.unregister(p) {
			log.Debug().
				Uint8("device_id", req.DeviceID).
				Str("code", req.Code.String()).
				Time("deadline", p.deadline).
				Msg("session.Correlator.Exchange timeout")
			res.err = fmt.Errorf("%w: %s after %s", ErrTimeout, req.Code, timeout)
		} else {
			res = <-p.result
		}
	case <-ctx.Done():
		if c.unregister(p) {
			res.err = contextError(ctx, req.Code)
		} else {
			res = <-p.result
		}
	}

	observability.RecordExchange(req.Code.String(), outcomeLabel(res.err), time.Since(start))
	return res.msg, res.err
}

// Send writes req without registering an exchange.
func (c *Correlator) Send(req protocol.Message) error {
	wire, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	return c.link.Send(wire)
}

// HandleFrame decodes one inbound frame and routes it. Framing errors are
// logged and dropped.
func (c *Correlator) HandleFrame(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		observability.RecordDroppedMessage("framing")
		log.Warn().Err(err).Str("frame", protocol.FormatBytes(frame, 32)).Msg("session.Correlator.HandleFrame drop")
		return
	}
	c.Dispatch(msg)
}

// Dispatch resolves the earliest pending exchange matching msg. Responses
// from the broadcast id match any device.
func (c *Correlator) Dispatch(msg protocol.Message) {
	c.mu.Lock()
	var (
		target *pendingExchange
		result exchangeResult
	)
	if msg.Code == protocol.CodeError {
		target = c.earliestLocked(func(p *pendingExchange) bool {
			return deviceMatches(p.key.deviceID, msg.DeviceID)
		})
		result.err = &DeviceRejectedError{DeviceID: msg.DeviceID, Payload: msg.Payload}
	} else {
		target = c.earliestLocked(func(p *pendingExchange) bool {
			if p.key.code != msg.Code || !deviceMatches(p.key.deviceID, msg.DeviceID) {
				return false
			}
			return p.match == nil || p.match(msg)
		})
		result.msg = msg
	}
	if target != nil {
		if rejected, ok := result.err.(*DeviceRejectedError); ok {
			rejected.RequestCode = target.requestCode
		}
		delete(c.pending, target.key)
	}
	c.mu.Unlock()

	if target != nil {
		target.result <- result
		return
	}

	observability.RecordDroppedMessage("unmatched")
	log.Debug().
		Uint8("device_id", msg.DeviceID).
		Str("code", msg.Code.String()).
		Str("payload", protocol.FormatBytes(msg.Payload, 16)).
		Msg("session.Correlator.Dispatch unmatched")
	if c.unsolicited != nil {
		c.unsolicited(msg)
	}
}

// Pending returns the number of outstanding exchanges.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails all outstanding exchanges with ErrClosed.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[pendingKey]*pendingExchange)
	c.mu.Unlock()
	for _, p := range pending {
		p.result <- exchangeResult{err: ErrClosed}
	}
}

func (c *Correlator) earliestLocked(ok func(*pendingExchange) bool) *pendingExchange {
	var best *pendingExchange
	for _, p := range c.pending {
		if !ok(p) {
			continue
		}
		if best == nil || p.seq < best.seq {
			best = p
		}
	}
	return best
}

// unregister removes p if it is still pending; false means a result was
// already delivered.
func (c *Correlator) unregister(p *pendingExchange) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[p.key]; ok && cur == p {
		delete(c.pending, p.key)
		return true
	}
	return false
}

func deviceMatches(pending, incoming byte) bool {
	return pending == incoming || incoming == protocol.BroadcastID || pending == protocol.BroadcastID
}

// contextError reports an expired caller deadline as ErrTimeout.
func contextError(ctx context.Context, code protocol.Code) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, code, err)
	}
	return err
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrDeviceRejected):
		return "rejected"
	default:
		return "error"
	}
}
