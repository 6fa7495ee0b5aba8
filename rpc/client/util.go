package client

import (
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSMR/lib/smr/session"
	"github.com/ValentinKolb/dSMR/rpc/common"
	"github.com/ValentinKolb/dSMR/rpc/serializer"
	"github.com/ValentinKolb/dSMR/rpc/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter holds everything a client needs to talk to a cluster:
// the transport, the serializer, the request numbering of this client and
// the endpoint that answered last (usually the leader).
type rpcClientAdapter struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
	seq        *session.Sequencer

	leader atomic.Pointer[string]
	next   atomic.Uint64
}

func newRPCClientAdapter(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) rpcClientAdapter {
	return rpcClientAdapter{
		config:     config,
		transport:  transport,
		serializer: serializer,
		seq:        session.NewSequencer(session.NewClientID()),
	}
}

// invokeRPCRequest sends req until a replica accepts it or the retries are
// exhausted. Every attempt carries the same request identity, so a request
// is applied at most once no matter how often it is sent.
//
//   - NotLeader: follow the redirect, or try the next endpoint without one
//   - Timeout, Unavailable: try the same endpoint again
//   - transport errors: try the next endpoint
//
// Other errors are returned right away.
func (a *rpcClientAdapter) invokeRPCRequest(req *common.Message) (*common.Message, error) {
	r := a.seq.Next(nil)
	defer a.seq.Done(r.RequestID)

	endpoint := a.target()
	attempt := 0

	op := func() (*common.Message, error) {
		attempt++
		acked := a.seq.Retry(r).AckedUpTo
		req.WithIdentity(r.ClientID, r.RequestID, acked)

		resp, err := a.send(endpoint, req)
		if err != nil {
			Logger.Debugf("Attempt %d of request %d to %s failed: %v", attempt, r.RequestID, endpoint, err)
			a.leader.Store(nil)
			endpoint = a.rotate(endpoint)
			return nil, err
		}

		if resp.ErrCode.Retryable() {
			err := resp.ErrCode.ToError(resp.Err)
			Logger.Debugf("Attempt %d of request %d to %s failed: %v", attempt, r.RequestID, endpoint, err)
			if resp.ErrCode == common.ErrCNotLeader {
				if resp.Redirect != "" {
					endpoint = resp.Redirect
				} else {
					endpoint = a.rotate(endpoint)
				}
			}
			return nil, err
		}

		a.leader.Store(&endpoint)

		if resp.MsgType == common.MsgTError || resp.Err != "" {
			err := resp.ErrCode.ToError(resp.Err)
			if err == nil {
				err = fmt.Errorf("error response without message from %s", endpoint)
			}
			return nil, backoff.Permanent(err)
		}
		if resp.MsgType != req.MsgType {
			return nil, backoff.Permanent(fmt.Errorf("unexpected message type: %s, expected %s", resp.MsgType, req.MsgType))
		}
		return resp, nil
	}

	return backoff.RetryWithData(op, a.backoff())
}

// send serializes req, sends it to endpoint and decodes the response
func (a *rpcClientAdapter) send(endpoint string, req *common.Message) (*common.Message, error) {
	reqBytes, err := a.serializer.Serialize(*req)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	respBytes, err := a.transport.Send(endpoint, reqBytes)
	if err != nil {
		return nil, err
	}

	resp := &common.Message{}
	if err := a.serializer.Deserialize(respBytes, resp); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
	}
	return resp, nil
}

func (a *rpcClientAdapter) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(max(1, a.config.Transport.RetryCount)-1))
}

// target returns the endpoint a new request is sent to first
func (a *rpcClientAdapter) target() string {
	if leader := a.leader.Load(); leader != nil {
		return *leader
	}
	endpoints := a.config.Transport.Endpoints
	return endpoints[a.next.Load()%uint64(len(endpoints))]
}

// rotate returns the configured endpoint after current
func (a *rpcClientAdapter) rotate(current string) string {
	endpoints := a.config.Transport.Endpoints
	if i := slices.Index(endpoints, current); i >= 0 {
		return endpoints[(i+1)%len(endpoints)]
	}
	return endpoints[a.next.Add(1)%uint64(len(endpoints))]
}
