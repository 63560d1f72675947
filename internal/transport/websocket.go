// Package transport implements consensus.Transport over WebSocket
// connections between fabric nodes, adapted from the teacher's
// internal/consensus/transport package.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ruvnet/a2a-fabric/internal/consensus"
)

// WebSocketTransport implements consensus.Transport using gorilla/websocket
// connections dialed eagerly to every known peer.
type WebSocketTransport struct {
	nodeID      consensus.NodeID
	address     string
	nodes       map[consensus.NodeID]string
	connections map[consensus.NodeID]*websocket.Conn
	connMu      sync.RWMutex
	msgChan     chan *consensus.ConsensusMessage
	stopChan    chan struct{}
	wg          sync.WaitGroup
	upgrader    websocket.Upgrader
	server      *http.Server
	logger      *zap.Logger
}

// NewWebSocketTransport constructs a transport for nodeID listening on
// address, with the full cluster membership given by nodes.
func NewWebSocketTransport(nodeID consensus.NodeID, address string, nodes map[consensus.NodeID]string, logger *zap.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		nodeID:      nodeID,
		address:     address,
		nodes:       nodes,
		connections: make(map[consensus.NodeID]*websocket.Conn),
		msgChan:     make(chan *consensus.ConsensusMessage, 1000),
		stopChan:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

func (w *WebSocketTransport) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Sugar().Debugf(format, args...)
		return
	}
	fmt.Printf(format+"\n", args...)
}

// Start brings up the HTTP/WebSocket listener and the peer-dialing loop.
func (w *WebSocketTransport) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/consensus", w.handleWebSocket)

	w.server = &http.Server{
		Addr:    w.address,
		Handler: mux,
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logf("websocket server error: %v", err)
		}
	}()

	w.wg.Add(1)
	go w.connectToNodes()

	return nil
}

// Stop tears down the listener and every outbound connection.
func (w *WebSocketTransport) Stop() error {
	close(w.stopChan)

	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.server.Shutdown(ctx)
	}

	w.connMu.Lock()
	for _, conn := range w.connections {
		conn.Close()
	}
	w.connMu.Unlock()

	w.wg.Wait()
	return nil
}

// Send delivers msg to a single node, looping it back locally when
// nodeID is this transport's own id.
func (w *WebSocketTransport) Send(nodeID consensus.NodeID, msg *consensus.ConsensusMessage) error {
	if nodeID == w.nodeID {
		select {
		case w.msgChan <- msg:
			return nil
		default:
			return fmt.Errorf("transport: message channel full")
		}
	}

	w.connMu.RLock()
	conn, exists := w.connections[nodeID]
	w.connMu.RUnlock()

	if !exists {
		return fmt.Errorf("transport: no connection to node %s", nodeID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: failed to marshal message: %w", err)
	}

	return conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcast fans msg out to every connected peer concurrently.
func (w *WebSocketTransport) Broadcast(msg *consensus.ConsensusMessage) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(w.nodes))

	w.connMu.RLock()
	connections := make(map[consensus.NodeID]*websocket.Conn, len(w.connections))
	for nodeID, conn := range w.connections {
		if nodeID != w.nodeID {
			connections[nodeID] = conn
		}
	}
	w.connMu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: failed to marshal message: %w", err)
	}

	for nodeID, conn := range connections {
		wg.Add(1)
		go func(nid consensus.NodeID, c *websocket.Conn) {
			defer wg.Done()
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				errCh <- fmt.Errorf("transport: failed to send to %s: %w", nid, err)
			}
		}(nodeID, conn)
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
func (w *WebSocketTransport) Receive() <-chan *consensus.ConsensusMessage {
	return w.msgChan
}

// GetAddress resolves nodeID's known network address.
func (w *WebSocketTransport) GetAddress(nodeID consensus.NodeID) string {
	return w.nodes[nodeID]
}

func (w *WebSocketTransport) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logf("websocket upgrade error: %v", err)
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		w.logf("failed to read identification message: %v", err)
		conn.Close()
		return
	}

	var identMsg struct {
		NodeID consensus.NodeID `json:"node_id"`
	}
	if err := json.Unmarshal(data, &identMsg); err != nil {
		w.logf("failed to unmarshal identification message: %v", err)
		conn.Close()
		return
	}

	nodeID := identMsg.NodeID
	w.connMu.Lock()
	w.connections[nodeID] = conn
	w.connMu.Unlock()

	response := map[string]any{"node_id": w.nodeID, "status": "connected"}
	if data, err := json.Marshal(response); err == nil {
		conn.WriteMessage(websocket.TextMessage, data)
	}

	w.wg.Add(1)
	go w.handleConnection(nodeID, conn)
}

func (w *WebSocketTransport) handleConnection(nodeID consensus.NodeID, conn *websocket.Conn) {
	defer w.wg.Done()
	defer func() {
		w.connMu.Lock()
		delete(w.connections, nodeID)
		w.connMu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-w.stopChan:
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					w.logf("websocket error from %s: %v", nodeID, err)
				}
				return
			}

			var msg consensus.ConsensusMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				w.logf("failed to unmarshal message from %s: %v", nodeID, err)
				continue
			}

			select {
			case w.msgChan <- &msg:
			default:
				w.logf("message channel full, dropping message from %s", nodeID)
			}
		}
	}
}

func (w *WebSocketTransport) connectToNodes() {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			for nodeID, address := range w.nodes {
				if nodeID == w.nodeID {
					continue
				}

				w.connMu.RLock()
				_, exists := w.connections[nodeID]
				w.connMu.RUnlock()

				if !exists {
					go w.connectToNode(nodeID, address)
				}
			}
		}
	}
}

func (w *WebSocketTransport) connectToNode(nodeID consensus.NodeID, address string) {
	url := fmt.Sprintf("ws://%s/consensus", address)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return
	}

	identMsg := map[string]any{"node_id": w.nodeID}
	data, _ := json.Marshal(identMsg)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return
	}

	if _, _, err = conn.ReadMessage(); err != nil {
		conn.Close()
		return
	}

	w.connMu.Lock()
	w.connections[nodeID] = conn
	w.connMu.Unlock()

	w.wg.Add(1)
	go w.handleConnection(nodeID, conn)
}
