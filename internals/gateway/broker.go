package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/beamdrop/broker/internals/admission"
	"github.com/beamdrop/broker/internals/config"
	appmetrics "github.com/beamdrop/broker/internals/metrics"
	"github.com/beamdrop/broker/internals/signaling"
	"github.com/beamdrop/broker/internals/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var safeRoomIDPattern = regexp.MustCompile(`^[a-z0-9]+$`)

const storeOpTimeout = 5 * time.Second

// Transport is the capability the broker consumes to reach connections. The
// signaling hub implements it for live WebSocket connections; tests substitute
// a recording fake.
type Transport interface {
	Send(connID string, msg signaling.Message)
	BroadcastToRoom(roomID string, msg signaling.Message, excludeConnID string)
	JoinRoom(connID, roomID string)
}

// Broker is the connection-event state machine: it maps connect, disconnect
// and session commands onto store and admission calls, owns each connection's
// role binding, and emits the outbound events.
type Broker struct {
	config *config.Config
	logger *zap.Logger

	store      *store.Store
	admission  *admission.Controller
	roles      *roleTable
	transport  Transport
	hub        *signaling.Hub
	pubsub     *signaling.PubSubManager
	httpServer *http.Server

	rateLimiters   map[string]*rate.Limiter
	rateLimitersMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBroker wires the full broker: Redis-backed store, admission controller,
// WebSocket hub and the cross-instance pub/sub bridge.
func NewBroker(cfg *config.Config, logger *zap.Logger) (*Broker, error) {
	ctx, cancel := context.WithCancel(context.Background())

	st, err := store.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Session.TTL, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	hub := signaling.NewHub(signaling.Options{
		ReadLimit:       cfg.Server.WSReadLimit,
		WriteTimeout:    cfg.Server.WSWriteTimeout,
		PongTimeout:     cfg.Server.WSPongTimeout,
		PingInterval:    cfg.Server.WSPingInterval,
		HubPingInterval: cfg.Server.WSHubPingInterval,
	}, logger)

	b := &Broker{
		config:       cfg,
		logger:       logger,
		store:        st,
		admission:    admission.NewController(st, cfg.Session.MaxActiveSlots, logger),
		roles:        newRoleTable(),
		transport:    hub,
		hub:          hub,
		pubsub:       signaling.NewPubSubManager(st.Client(), hub, logger),
		rateLimiters: make(map[string]*rate.Limiter),
		ctx:          ctx,
		cancel:       cancel,
	}

	return b, nil
}

// newBrokerCore builds a broker around an existing store and transport,
// without the HTTP/WebSocket surface. Used by tests.
func newBrokerCore(cfg *config.Config, st *store.Store, transport Transport, logger *zap.Logger) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		config:       cfg,
		logger:       logger,
		store:        st,
		admission:    admission.NewController(st, cfg.Session.MaxActiveSlots, logger),
		roles:        newRoleTable(),
		transport:    transport,
		rateLimiters: make(map[string]*rate.Limiter),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (b *Broker) Start() error {
	b.logger.Info("Starting broker",
		zap.String("host", b.config.Server.Host),
		zap.Int("port", b.config.Server.Port),
		zap.Int("max_active_slots", b.config.Session.MaxActiveSlots),
		zap.Duration("session_ttl", b.config.Session.TTL),
	)

	go b.hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWebSocket)
	mux.HandleFunc("/health", b.handleHealth)

	if b.config.Metrics.Enabled {
		mux.Handle(b.config.Metrics.Path, promhttp.Handler())
	}

	b.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", b.config.Server.Host, b.config.Server.Port),
		Handler:      mux,
		ReadTimeout:  b.config.Server.ReadTimeout,
		WriteTimeout: b.config.Server.WriteTimeout,
	}

	go func() {
		<-b.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), b.config.Server.ShutdownTimeout)
		defer shutdownCancel()
		b.httpServer.Shutdown(shutdownCtx)
	}()

	return b.httpServer.ListenAndServe()
}

func (b *Broker) Stop() {
	b.logger.Info("Stopping broker")
	b.cancel()
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	b.store.Close()
}

func (b *Broker) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	signaling.HandleWebSocket(b.hub, w, r, func(client *signaling.Client) {
		appmetrics.ConnectionsTotal.Inc()

		client.OnMessage = func(c *signaling.Client, msg signaling.Message) {
			b.HandleMessage(c.ID, msg)
		}
		client.OnDisconnect = func(c *signaling.Client) {
			b.HandleDisconnect(c.ID)
			b.hub.UnregisterClient(c)
			b.removeRateLimiter(c.ID)
		}
	})
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := b.store.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// --- Signaling message handling ---

// HandleMessage processes one inbound event for a connection. Events for a
// given connection arrive on its read pump goroutine, so all of a connection's
// operations are serialized before they reach the store.
func (b *Broker) HandleMessage(connID string, msg signaling.Message) {
	appmetrics.MessagesReceivedTotal.Inc()

	limiter := b.getRateLimiter(connID)
	if !limiter.Allow() {
		b.sendError(connID, 429, "Rate limit exceeded")
		return
	}

	switch msg.Type {
	case signaling.MessageTypeCreateSession:
		b.handleCreateSession(connID)
	case signaling.MessageTypeJoinSession:
		var req signaling.JoinSessionRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				// The payload may be a bare roomId string rather than an object.
				if err2 := json.Unmarshal(msg.Data, &req.RoomID); err2 != nil {
					b.sendError(connID, 400, "Invalid join-session payload")
					return
				}
			}
		}
		b.handleJoinSession(connID, req.RoomID)
	case signaling.MessageTypePong:
		// no-op
	default:
		b.logger.Debug("Unknown message type",
			zap.String("conn_id", connID),
			zap.String("type", string(msg.Type)),
		)
	}
}

func (b *Broker) handleCreateSession(connID string) {
	if role, bound := b.roles.get(connID); bound {
		b.logger.Warn("create-session from bound connection",
			zap.String("conn_id", connID),
			zap.String("room_id", role.RoomID),
		)
		b.sendError(connID, 409, "Connection already bound to a session")
		return
	}

	roomID := newRoomID()

	ctx, cancel := context.WithTimeout(b.ctx, storeOpTimeout)
	defer cancel()

	if err := b.store.CreateSession(ctx, roomID, connID); err != nil {
		b.storeFailure(connID, err)
		return
	}

	b.transport.JoinRoom(connID, roomID)
	if b.pubsub != nil {
		b.pubsub.SubscribeToRoom(roomID)
	}
	b.roles.bind(connID, Role{RoomID: roomID, Owner: true})

	b.send(connID, signaling.MessageTypeSessionCreated, signaling.SessionCreatedPayload{RoomID: roomID})

	appmetrics.SessionsCreatedTotal.Inc()
	b.logger.Info("Session created",
		zap.String("room_id", roomID),
		zap.String("owner", connID),
	)
}

func (b *Broker) handleJoinSession(connID, roomID string) {
	if err := b.validateRoomID(roomID); err != nil {
		b.sendError(connID, 400, err.Error())
		return
	}

	if role, bound := b.roles.get(connID); bound {
		b.logger.Warn("join-session from bound connection",
			zap.String("conn_id", connID),
			zap.String("room_id", role.RoomID),
		)
		b.sendError(connID, 409, "Connection already bound to a session")
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, storeOpTimeout)
	defer cancel()

	owner, err := b.store.Owner(ctx, roomID)
	if errors.Is(err, store.ErrSessionNotFound) {
		b.send(connID, signaling.MessageTypeSessionNotFound, signaling.SessionNotFoundPayload{RoomID: roomID})
		appmetrics.RecordJoin("not_found")
		return
	}
	if err != nil {
		b.storeFailure(connID, err)
		return
	}

	decision, err := b.admission.Admit(ctx, roomID, connID)
	if err != nil {
		b.storeFailure(connID, err)
		return
	}

	// Enroll in the room's broadcast group only once admitted or queued, so a
	// failed join never leaves an unbound connection receiving room events.
	b.transport.JoinRoom(connID, roomID)
	if b.pubsub != nil {
		b.pubsub.SubscribeToRoom(roomID)
	}

	switch decision.Status {
	case admission.StatusActive:
		b.roles.bind(connID, Role{RoomID: roomID, Status: PeerStatusActive})
		b.send(connID, signaling.MessageTypeSessionJoined, signaling.SessionJoinedPayload{
			RoomID: roomID,
			Status: string(admission.StatusActive),
		})
		b.emitTo(roomID, owner, signaling.MessageTypePeerJoined, signaling.PeerJoinedPayload{PeerID: connID})
		appmetrics.ActivePeers.Inc()
		appmetrics.RecordJoin("active")

	case admission.StatusQueued:
		b.roles.bind(connID, Role{RoomID: roomID, Status: PeerStatusQueued})
		// The owner is not told about queued peers until they are promoted.
		b.send(connID, signaling.MessageTypeSessionJoined, signaling.SessionJoinedPayload{
			RoomID:   roomID,
			Status:   string(admission.StatusQueued),
			Position: decision.Position,
		})
		appmetrics.QueuedPeers.Inc()
		appmetrics.RecordJoin("queued")
	}

	b.logger.Info("Peer joined",
		zap.String("room_id", roomID),
		zap.String("conn_id", connID),
		zap.String("status", string(decision.Status)),
	)
}

// HandleDisconnect runs teardown for a closing connection. Owner departure
// destroys the session; peer departure frees a slot and may promote the
// longest-waiting queued peer.
func (b *Broker) HandleDisconnect(connID string) {
	role, bound := b.roles.get(connID)
	if !bound {
		return
	}

	if role.Owner {
		b.teardownSession(role.RoomID, connID)
		return
	}

	b.handlePeerDeparture(role, connID)
}

func (b *Broker) teardownSession(roomID, ownerConnID string) {
	b.emitRoom(roomID, ownerConnID, signaling.MessageTypeSessionEnded, nil)

	ctx, cancel := context.WithTimeout(b.ctx, storeOpTimeout)
	defer cancel()

	if err := b.store.DestroySession(ctx, roomID); err != nil {
		// The owner is gone; nothing to notify. The TTL horizon still reaps
		// the keys.
		b.logger.Error("Session teardown failed",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		appmetrics.RecordStoreError()
	}

	for _, dropped := range b.roles.unbindRoom(roomID) {
		switch dropped.Status {
		case PeerStatusActive:
			appmetrics.ActivePeers.Dec()
		case PeerStatusQueued:
			appmetrics.QueuedPeers.Dec()
		}
	}
	if b.pubsub != nil {
		b.pubsub.UnsubscribeFromRoom(roomID)
	}

	appmetrics.SessionsEndedTotal.Inc()
	b.logger.Info("Session ended",
		zap.String("room_id", roomID),
		zap.String("owner", ownerConnID),
	)
}

func (b *Broker) handlePeerDeparture(role Role, connID string) {
	roomID := role.RoomID
	b.roles.unbind(connID)

	switch role.Status {
	case PeerStatusActive:
		appmetrics.ActivePeers.Dec()
	case PeerStatusQueued:
		appmetrics.QueuedPeers.Dec()
	}

	ctx, cancel := context.WithTimeout(b.ctx, storeOpTimeout)
	defer cancel()

	dep, err := b.admission.OnDeparture(ctx, roomID, connID)
	if err != nil {
		// The departing connection is gone; log and let the TTL horizon
		// correct any leftover membership.
		b.logger.Error("Peer departure cleanup failed",
			zap.String("room_id", roomID),
			zap.String("conn_id", connID),
			zap.Error(err),
		)
		appmetrics.RecordStoreError()
		return
	}

	owner, ownerErr := b.store.Owner(ctx, roomID)

	if dep.WasActive && ownerErr == nil {
		b.emitTo(roomID, owner, signaling.MessageTypePeerLeft, signaling.PeerLeftPayload{PeerID: connID})
	}

	if dep.Promoted != "" {
		if b.roles.setStatus(dep.Promoted, PeerStatusActive) {
			appmetrics.QueuedPeers.Dec()
			appmetrics.ActivePeers.Inc()
		}
		b.emitTo(roomID, dep.Promoted, signaling.MessageTypeSessionActivated, signaling.SessionActivatedPayload{RoomID: roomID})
		if ownerErr == nil {
			b.emitTo(roomID, owner, signaling.MessageTypePeerJoined, signaling.PeerJoinedPayload{PeerID: dep.Promoted})
		}
		appmetrics.RecordPromotion()

		b.logger.Info("Peer promoted",
			zap.String("room_id", roomID),
			zap.String("departed", connID),
			zap.String("promoted", dep.Promoted),
		)
	}

	if b.hub != nil && len(b.hub.GetClientsByRoom(roomID)) == 0 && b.pubsub != nil {
		b.pubsub.UnsubscribeFromRoom(roomID)
	}
}

// --- Outbound helpers ---

func (b *Broker) send(connID string, msgType signaling.MessageType, payload interface{}) {
	msg, err := signaling.NewMessage(msgType, payload)
	if err != nil {
		b.logger.Error("Failed to build message",
			zap.String("type", string(msgType)),
			zap.Error(err),
		)
		return
	}
	b.transport.Send(connID, msg)
}

// emitTo delivers a targeted event to a connection that may live on another
// broker instance: sent locally and published to the room channel with the
// recipient pinned. Remote instances drop it unless they hold the recipient.
func (b *Broker) emitTo(roomID, connID string, msgType signaling.MessageType, payload interface{}) {
	msg, err := signaling.NewMessage(msgType, payload)
	if err != nil {
		b.logger.Error("Failed to build message",
			zap.String("type", string(msgType)),
			zap.Error(err),
		)
		return
	}
	msg.To = connID
	b.transport.Send(connID, msg)
	if b.pubsub != nil {
		b.pubsub.PublishToRoom(roomID, msg)
	}
}

func (b *Broker) emitRoom(roomID, excludeConnID string, msgType signaling.MessageType, payload interface{}) {
	msg, err := signaling.NewMessage(msgType, payload)
	if err != nil {
		b.logger.Error("Failed to build message",
			zap.String("type", string(msgType)),
			zap.Error(err),
		)
		return
	}
	b.transport.BroadcastToRoom(roomID, msg, excludeConnID)
	if b.pubsub != nil {
		b.pubsub.PublishToRoom(roomID, msg)
	}
}

func (b *Broker) sendError(connID string, code int, message string) {
	b.send(connID, signaling.MessageTypeError, signaling.ErrorMessage{Code: code, Message: message})
}

// storeFailure surfaces a store error as a generic error event. The
// connection's binding is left unchanged.
func (b *Broker) storeFailure(connID string, err error) {
	appmetrics.RecordStoreError()
	b.logger.Error("Store operation failed",
		zap.String("conn_id", connID),
		zap.Error(err),
	)
	b.sendError(connID, 503, "Session store unavailable")
}

// --- Validation and ids ---

func (b *Broker) validateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("roomId is required")
	}
	if len(roomID) > b.config.Server.MaxRoomIDLength {
		return fmt.Errorf("roomId exceeds maximum length of %d", b.config.Server.MaxRoomIDLength)
	}
	if !safeRoomIDPattern.MatchString(roomID) {
		return fmt.Errorf("roomId contains invalid characters")
	}
	return nil
}

// newRoomID generates a short base-36 room token: millisecond timestamp plus
// a random suffix against same-millisecond collisions.
func newRoomID() string {
	suffix := make([]byte, 2)
	rand.Read(suffix)
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + hex.EncodeToString(suffix)
}

// --- Rate limiting ---

func (b *Broker) getRateLimiter(connID string) *rate.Limiter {
	b.rateLimitersMu.Lock()
	defer b.rateLimitersMu.Unlock()
	if limiter, ok := b.rateLimiters[connID]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(b.config.Server.RateLimitPerSec), b.config.Server.RateLimitBurst)
	b.rateLimiters[connID] = limiter
	return limiter
}

func (b *Broker) removeRateLimiter(connID string) {
	b.rateLimitersMu.Lock()
	delete(b.rateLimiters, connID)
	b.rateLimitersMu.Unlock()
}
