package transport

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/ruvnet/a2a-fabric/internal/consensus"
)

// RPCTransport implements consensus.Transport using net/rpc, a lighter
// alternative to WebSocketTransport for trusted intra-cluster links.
type RPCTransport struct {
	nodeID   consensus.NodeID
	address  string
	nodes    map[consensus.NodeID]string
	server   *rpc.Server
	listener net.Listener
	clients  map[consensus.NodeID]*rpc.Client
	clientMu sync.RWMutex
	msgChan  chan *consensus.ConsensusMessage
	stopChan chan struct{}
	wg       sync.WaitGroup
	timeout  time.Duration
}

// RPCService exposes SendMessage over net/rpc on behalf of a transport.
type RPCService struct {
	transport *RPCTransport
}

// SendMessageArgs carries the message payload for the SendMessage RPC.
type SendMessageArgs struct {
	Message *consensus.ConsensusMessage `json:"message"`
}

// SendMessageReply reports the outcome of a SendMessage RPC.
type SendMessageReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NewRPCTransport constructs an RPC transport for nodeID.
func NewRPCTransport(nodeID consensus.NodeID, address string, nodes map[consensus.NodeID]string) *RPCTransport {
	return &RPCTransport{
		nodeID:   nodeID,
		address:  address,
		nodes:    nodes,
		clients:  make(map[consensus.NodeID]*rpc.Client),
		msgChan:  make(chan *consensus.ConsensusMessage, 1000),
		stopChan: make(chan struct{}),
		timeout:  5 * time.Second,
	}
}

// Start registers the RPC service and begins accepting/dialing connections.
func (r *RPCTransport) Start() error {
	r.server = rpc.NewServer()
	service := &RPCService{transport: r}
	if err := r.server.Register(service); err != nil {
		return fmt.Errorf("transport: failed to register RPC service: %w", err)
	}

	var err error
	r.listener, err = net.Listen("tcp", r.address)
	if err != nil {
		return fmt.Errorf("transport: failed to listen on %s: %w", r.address, err)
	}

	r.wg.Add(1)
	go r.acceptConnections()

	r.wg.Add(1)
	go r.initializeClients()

	return nil
}

// Stop closes the listener and every outbound RPC client.
func (r *RPCTransport) Stop() error {
	close(r.stopChan)

	if r.listener != nil {
		r.listener.Close()
	}

	r.clientMu.Lock()
	for _, client := range r.clients {
		client.Close()
	}
	r.clientMu.Unlock()

	r.wg.Wait()
	return nil
}

// Send delivers msg to nodeID, looping back locally for self-sends.
func (r *RPCTransport) Send(nodeID consensus.NodeID, msg *consensus.ConsensusMessage) error {
	if nodeID == r.nodeID {
		select {
		case r.msgChan <- msg:
			return nil
		default:
			return fmt.Errorf("transport: message channel full")
		}
	}

	client, err := r.getClient(nodeID)
	if err != nil {
		return fmt.Errorf("transport: failed to get client for node %s: %w", nodeID, err)
	}

	args := &SendMessageArgs{Message: msg}
	reply := &SendMessageReply{}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	callChan := make(chan error, 1)
	go func() {
		callChan <- client.Call("RPCService.SendMessage", args, reply)
	}()

	select {
	case err := <-callChan:
		if err != nil {
			return fmt.Errorf("transport: RPC call failed: %w", err)
		}
		if !reply.Success {
			return fmt.Errorf("transport: remote error: %s", reply.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transport: RPC call timeout")
	}
}

// Broadcast sends msg to every other known node concurrently.
func (r *RPCTransport) Broadcast(msg *consensus.ConsensusMessage) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(r.nodes))

	for nodeID := range r.nodes {
		if nodeID == r.nodeID {
			continue
		}

		wg.Add(1)
		go func(nid consensus.NodeID) {
			defer wg.Done()
			if err := r.Send(nid, msg); err != nil {
				errCh <- fmt.Errorf("transport: failed to send to %s: %w", nid, err)
			}
		}(nodeID)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("transport: broadcast errors: %v", errs)
	}
	return nil
}

// Receive returns the channel inbound messages are delivered on.
func (r *RPCTransport) Receive() <-chan *consensus.ConsensusMessage {
	return r.msgChan
}

// GetAddress resolves nodeID's known network address.
func (r *RPCTransport) GetAddress(nodeID consensus.NodeID) string {
	return r.nodes[nodeID]
}

func (r *RPCTransport) getClient(nodeID consensus.NodeID) (*rpc.Client, error) {
	r.clientMu.RLock()
	if client, exists := r.clients[nodeID]; exists {
		r.clientMu.RUnlock()
		return client, nil
	}
	r.clientMu.RUnlock()

	r.clientMu.Lock()
	defer r.clientMu.Unlock()

	if client, exists := r.clients[nodeID]; exists {
		return client, nil
	}

	address, exists := r.nodes[nodeID]
	if !exists {
		return nil, fmt.Errorf("transport: unknown node %s", nodeID)
	}

	client, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to dial %s: %w", address, err)
	}

	r.clients[nodeID] = client
	return client, nil
}

func (r *RPCTransport) initializeClients() {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			for nodeID := range r.nodes {
				if nodeID == r.nodeID {
					continue
				}
				r.getClient(nodeID)
			}
		}
	}
}

func (r *RPCTransport) acceptConnections() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopChan:
			return
		default:
			conn, err := r.listener.Accept()
			if err != nil {
				select {
				case <-r.stopChan:
					return
				default:
					continue
				}
			}

			go r.server.ServeConn(conn)
		}
	}
}

// SendMessage handles an incoming RPC send.
func (s *RPCService) SendMessage(args *SendMessageArgs, reply *SendMessageReply) error {
	if args.Message == nil {
		reply.Success = false
		reply.Error = "nil message"
		return nil
	}

	select {
	case s.transport.msgChan <- args.Message:
		reply.Success = true
	default:
		reply.Success = false
		reply.Error = "message channel full"
	}

	return nil
}
