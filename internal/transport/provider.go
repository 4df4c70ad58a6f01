package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"collaborative-workspace-sync/internal/awareness"
	"collaborative-workspace-sync/internal/crdt"
	"collaborative-workspace-sync/internal/encryption"
	apperrors "collaborative-workspace-sync/internal/errors"
)

const (
	defaultMaxConnections    = 20
	defaultKeepaliveInterval = 5 * time.Second
	defaultKeepaliveMisses   = 3
	defaultConnectTimeout    = 15 * time.Second

	reasonClosed       = "closed"
	reasonLeft         = "left"
	reasonAtCapacity   = "at capacity"
	reasonNotConnected = "not connected"

	inboxSize        = 256
	eventBufferSize  = 64
	moderationMemory = 1024
)

var (
	ErrClosed       = apperrors.Invalid("Transport closed", nil)
	ErrCloseTimeout = apperrors.Transient("Transport close timed out", nil)
)

// Options configure a Provider. Zero values take the package defaults.
type Options struct {
	WorkspaceID string
	// SessionID identifies this connection on the mesh. It defaults to the
	// awareness tracker's local session.
	SessionID string
	RelayURLs []string
	ICE       ICEConfig

	MaxConnections    int
	KeepaliveInterval time.Duration
	KeepaliveMisses   int
	ConnectTimeout    time.Duration
	// DirectLinks enables WebRTC negotiation. When false every link goes
	// through the relay.
	DirectLinks bool

	// RelayPingInterval defaults to KeepaliveInterval.
	RelayPingInterval time.Duration
	Dialer            *websocket.Dialer
	HealthChecker     *HealthChecker
	Clock             clock.Clock
	Logger            zerolog.Logger
}

type peerState int

const (
	peerNegotiating peerState = iota
	peerOpen
)

// peer is owned by the event loop.
type peer struct {
	session string
	offerer bool
	state   peerState
	pc      *webrtc.PeerConnection
	link    link
	timeout *clock.Timer
	misses  int
	synced  bool
}

type peerInfo struct {
	direct bool
	synced bool
}

// Provider joins one workspace's room and keeps its document and awareness
// in sync with every reachable peer. All mesh state is owned by a single
// event loop; callbacks from the relay, pion and the document post closures
// into its inbox.
type Provider struct {
	workspaceID string
	session     string
	topic       string
	ready       encryption.Ready
	doc         *crdt.Doc
	aw          *awareness.Tracker
	opts        Options
	clock       clock.Clock
	logger      zerolog.Logger

	negotiator *negotiator
	relay      *relayConn

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	events chan Event
	done   chan struct{}

	// loop-owned
	peers map[string]*peer
	seen  *lru.Cache[[32]byte, struct{}]
	nonce uint64

	mu   sync.RWMutex
	view map[string]peerInfo

	detachDoc func()
	detachAw  func()
	closeOnce sync.Once
	closeErr  error
}

// Connect starts a provider for the workspace bound to ready. It returns
// immediately; relay connection, peer discovery and sync happen in the
// background and are reported through Events. The provider outlives ctx,
// which only bounds the setup.
func Connect(ctx context.Context, ready encryption.Ready, doc *crdt.Doc, aw *awareness.Tracker, opts Options) (*Provider, error) {
	if !ready.Valid() {
		return nil, encryption.ErrNotPrepared
	}
	if opts.WorkspaceID == "" {
		opts.WorkspaceID = ready.WorkspaceID()
	}
	if opts.WorkspaceID != ready.WorkspaceID() {
		return nil, apperrors.Invalid("Encryption was prepared for another workspace", nil)
	}
	if doc == nil || aw == nil {
		return nil, apperrors.Invalid("Connect requires a document and an awareness tracker", nil)
	}
	if len(opts.RelayURLs) == 0 {
		return nil, apperrors.Invalid("No relay configured", nil)
	}
	switch {
	case opts.SessionID == "" && aw.LocalSession() != "":
		opts.SessionID = aw.LocalSession()
	case opts.SessionID == "":
		opts.SessionID = uuid.NewString()
	}
	if local := aw.LocalSession(); local != "" && local != opts.SessionID {
		return nil, apperrors.Invalid("Awareness tracker belongs to another session", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Transient("Connect cancelled", err)
	}
	applyDefaults(&opts)

	seen, err := lru.New[[32]byte, struct{}](moderationMemory)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		workspaceID: opts.WorkspaceID,
		session:     opts.SessionID,
		topic:       RoomTopic(opts.WorkspaceID, ready),
		ready:       ready,
		doc:         doc,
		aw:          aw,
		opts:        opts,
		clock:       opts.Clock,
		logger: opts.Logger.With().
			Str("workspace", opts.WorkspaceID).
			Str("session", opts.SessionID).
			Logger(),
		ctx:    runCtx,
		cancel: cancel,
		inbox:  make(chan func(), inboxSize),
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
		peers:  make(map[string]*peer),
		seen:   seen,
		view:   make(map[string]peerInfo),
	}
	if opts.DirectLinks {
		p.negotiator = newNegotiator(opts.ICE)
	}
	p.relay = &relayConn{
		urls:         opts.RelayURLs,
		topics:       []string{p.topic},
		dialer:       opts.Dialer,
		health:       opts.HealthChecker,
		clock:        opts.Clock,
		pingInterval: opts.RelayPingInterval,
		logger:       p.logger,
		onMessage: func(msg relayMessage) {
			p.post(func() { p.handleRelay(msg) })
		},
		onState: func(connected bool, url string, err error) {
			p.post(func() { p.relayState(connected, url, err) })
		},
	}

	p.detachDoc = doc.Observe(func(change crdt.Change) {
		if change.Origin == p {
			return
		}
		update := change.Update
		p.post(func() { p.broadcastUpdate(update, "") })
	})
	p.detachAw = aw.OnChange(func(change awareness.Change) {
		if !change.Local {
			return
		}
		p.post(p.broadcastLocalAwareness)
	})

	go p.loop()
	go p.relay.run(runCtx)

	p.logger.Info().Bool("encrypted", ready.Encrypted()).Bool("direct_links", opts.DirectLinks).Msg("Transport started")
	return p, nil
}

func applyDefaults(opts *Options) {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepaliveInterval
	}
	if opts.KeepaliveMisses <= 0 {
		opts.KeepaliveMisses = defaultKeepaliveMisses
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.RelayPingInterval <= 0 {
		opts.RelayPingInterval = opts.KeepaliveInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dialer == nil {
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = opts.ConnectTimeout
		opts.Dialer = &dialer
	}
	if opts.HealthChecker == nil {
		opts.HealthChecker = NewHealthChecker(opts.ConnectTimeout)
	}
}

func (p *Provider) Events() <-chan Event {
	return p.events
}

func (p *Provider) Topic() string {
	return p.topic
}

func (p *Provider) SessionID() string {
	return p.session
}

// Peers lists the sessions with an open link, sorted.
func (p *Provider) Peers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.view))
	for s := range p.view {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Synced reports whether the document was reconciled with at least one
// connected peer.
func (p *Provider) Synced() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, info := range p.view {
		if info.synced {
			return true
		}
	}
	return false
}

// SendModeration broadcasts an opaque moderation payload to every peer.
// Peers re-broadcast it once, so it reaches sessions without a direct link
// to this one.
func (p *Provider) SendModeration(ctx context.Context, payload []byte) error {
	return p.call(ctx, func() {
		p.seen.Add(blake3.Sum256(payload), struct{}{})
		p.broadcast(Frame{Type: FrameModeration, Payload: payload}, "")
	})
}

// Close leaves the room. It sends a leave notice and an awareness removal,
// closes every link and the relay connection, and waits for the event loop
// to stop or ctx to end.
func (p *Provider) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.detachDoc()
		p.detachAw()

		if err := p.call(ctx, p.leave); err != nil && !errors.Is(err, ErrClosed) {
			p.logger.Debug().Err(err).Msg("Leave notice not sent")
		}
		if err := p.relay.Unsubscribe(); err != nil {
			p.logger.Debug().Err(err).Msg("Unsubscribe not sent")
		}
		p.cancel()

		select {
		case <-p.done:
		case <-ctx.Done():
			p.closeErr = ErrCloseTimeout.WithCause(ctx.Err())
		}
		p.logger.Info().Msg("Transport closed")
	})
	return p.closeErr
}

// post hands fn to the event loop. It reports false once the provider is
// closed.
func (p *Provider) post(fn func()) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.inbox <- fn:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// call runs fn on the event loop and waits for it.
func (p *Provider) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !p.post(func() {
		fn()
		close(finished)
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return apperrors.Transient("Transport call cancelled", ctx.Err())
	}
}

func (p *Provider) loop() {
	ticker := p.clock.Ticker(p.opts.KeepaliveInterval)
	defer func() {
		ticker.Stop()
		for session := range p.peers {
			p.dropPeer(session, reasonClosed)
		}
		close(p.events)
		close(p.done)
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case fn := <-p.inbox:
			fn()
		case <-ticker.C:
			p.keepalive()
		}
	}
}

func (p *Provider) emit(e Event) {
	select {
	case p.events <- e:
	default:
		p.logger.Debug().Str("event", fmt.Sprintf("%T", e)).Msg("Event buffer full, dropping")
	}
}

func (p *Provider) emitError(err error) {
	p.emit(Error{Err: err})
}

func (p *Provider) publishView() {
	view := make(map[string]peerInfo, len(p.peers))
	for session, pe := range p.peers {
		if pe.state != peerOpen {
			continue
		}
		view[session] = peerInfo{direct: pe.link.Direct(), synced: pe.synced}
	}
	p.mu.Lock()
	p.view = view
	p.mu.Unlock()
}

func (p *Provider) relayState(connected bool, url string, err error) {
	if !connected {
		p.logger.Warn().Err(err).Str("relay", url).Msg("Relay connection lost")
		p.emitError(ErrRelayDown.WithCause(err))
		return
	}
	p.logger.Info().Str("relay", url).Msg("Relay connected")
	p.emit(Connected{RelayURL: url})
	p.announce("")
	p.resyncRelayed()
	p.broadcastLocalAwareness()
}

// resyncRelayed restarts the sync handshake in both directions on relayed
// links, which lost whatever was sent while the relay was down.
func (p *Provider) resyncRelayed() {
	var sv []byte
	for _, pe := range p.peers {
		if pe.state != peerOpen || pe.link.Direct() {
			continue
		}
		if sv == nil {
			var err error
			if sv, err = crdt.EncodeStateVector(p.doc.StateVector()); err != nil {
				p.emitError(apperrors.Internal(err))
				return
			}
		}
		p.send(pe, Frame{Type: FrameSyncStep1, Payload: sv, Reply: true})
	}
}

func (p *Provider) announce(to string) {
	data, err := sealJSON(p.ready, announcePayload{Session: p.session})
	if err != nil {
		p.emitError(err)
		return
	}
	p.publish(kindAnnounce, to, data)
}

func (p *Provider) publish(kind, to string, data []byte) {
	err := p.relay.Send(relayMessage{
		Type:  msgPublish,
		Topic: p.topic,
		Kind:  kind,
		From:  p.session,
		To:    to,
		Data:  data,
	})
	if err != nil {
		p.logger.Debug().Err(err).Str("kind", kind).Msg("Relay publish failed")
	}
}

func (p *Provider) handleRelay(msg relayMessage) {
	if msg.Topic != p.topic || msg.From == "" || msg.From == p.session {
		return
	}
	if msg.To != "" && msg.To != p.session {
		return
	}

	switch msg.Kind {
	case kindAnnounce:
		var payload announcePayload
		if err := openJSON(p.ready, msg.Data, &payload); err != nil {
			p.emitError(err)
			return
		}
		if payload.Session != msg.From {
			p.emitError(ErrMalformedSignal.WithCause(fmt.Errorf("announce for %q sent by %q", payload.Session, msg.From)))
			return
		}
		p.handleAnnounce(msg.From, msg.To != "")
	case kindSignal:
		var payload signalPayload
		if err := openJSON(p.ready, msg.Data, &payload); err != nil {
			p.emitError(err)
			return
		}
		p.handleSignal(msg.From, payload)
	case kindRelay:
		p.handleRelayFrame(msg.From, msg.Data)
	case kindLeave:
		var payload leavePayload
		if err := openJSON(p.ready, msg.Data, &payload); err != nil {
			p.emitError(err)
			return
		}
		reason := payload.Reason
		if reason == "" {
			reason = reasonLeft
		}
		p.dropPeer(msg.From, reason)
	}
}

func (p *Provider) atCapacity() bool {
	return len(p.peers) >= p.opts.MaxConnections
}

// handleAnnounce applies the offerer rule: the smaller session id starts
// the link. A larger session answers a broadcast announce with a directed
// one so the smaller side learns about it.
func (p *Provider) handleAnnounce(from string, directed bool) {
	if _, ok := p.peers[from]; ok {
		return
	}
	if p.atCapacity() {
		p.logger.Debug().Str("peer", from).Msg("Connection cap reached, ignoring announce")
		return
	}
	if p.session < from {
		p.startLink(from)
		return
	}
	if !directed {
		p.announce(from)
	}
}

func (p *Provider) startLink(session string) {
	pe := &peer{session: session, offerer: true, state: peerNegotiating}
	p.peers[session] = pe
	if p.negotiator == nil {
		p.openRelayed(pe)
		return
	}

	pc, err := p.negotiator.newConnection(p.hooks(pe))
	if err != nil {
		p.negotiationFailed(pe, err)
		return
	}
	pe.pc = pc
	p.armTimeout(pe)

	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, p.opts.ConnectTimeout)
		defer cancel()
		sdp, err := p.negotiator.offer(ctx, pc, p.hooks(pe))
		if err == nil {
			err = p.sendSignal(session, signalPayload{Type: webrtc.SDPTypeOffer.String(), SDP: sdp})
		}
		if err != nil {
			p.post(func() {
				if p.current(pe) && pe.state == peerNegotiating {
					p.negotiationFailed(pe, err)
				}
			})
		}
	}()
}

func (p *Provider) sendSignal(to string, payload signalPayload) error {
	data, err := sealJSON(p.ready, payload)
	if err != nil {
		return err
	}
	return p.relay.Send(relayMessage{
		Type:  msgPublish,
		Topic: p.topic,
		Kind:  kindSignal,
		From:  p.session,
		To:    to,
		Data:  data,
	})
}

func (p *Provider) handleSignal(from string, payload signalPayload) {
	switch payload.Type {
	case webrtc.SDPTypeOffer.String():
		p.handleOffer(from, payload.SDP)
	case webrtc.SDPTypeAnswer.String():
		pe, ok := p.peers[from]
		if !ok || !pe.offerer || pe.pc == nil || pe.state != peerNegotiating {
			return
		}
		pc := pe.pc
		go func() {
			if err := acceptAnswer(pc, payload.SDP); err != nil {
				p.post(func() {
					if p.current(pe) && pe.state == peerNegotiating {
						p.negotiationFailed(pe, err)
					}
				})
			}
		}()
	default:
		p.emitError(ErrMalformedSignal.WithCause(fmt.Errorf("unknown signal type %q", payload.Type)))
	}
}

func (p *Provider) handleOffer(from, sdp string) {
	if p.negotiator == nil || from > p.session {
		return
	}
	if pe, ok := p.peers[from]; ok {
		if pe.state == peerOpen {
			return
		}
		p.discard(pe)
	} else if p.atCapacity() {
		p.reject(from, reasonAtCapacity)
		return
	}

	pe := &peer{session: from, state: peerNegotiating}
	p.peers[from] = pe
	pc, err := p.negotiator.newConnection(p.hooks(pe))
	if err != nil {
		p.negotiationFailed(pe, err)
		return
	}
	pe.pc = pc
	p.armTimeout(pe)

	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, p.opts.ConnectTimeout)
		defer cancel()
		answer, err := p.negotiator.answer(ctx, pc, p.hooks(pe), sdp)
		if err == nil {
			err = p.sendSignal(from, signalPayload{Type: webrtc.SDPTypeAnswer.String(), SDP: answer})
		}
		if err != nil {
			p.post(func() {
				if p.current(pe) && pe.state == peerNegotiating {
					p.negotiationFailed(pe, err)
				}
			})
		}
	}()
}

func (p *Provider) hooks(pe *peer) linkHooks {
	return linkHooks{
		opened: func(dl *directLink) {
			p.post(func() {
				if !p.current(pe) || pe.state != peerNegotiating || pe.pc != dl.pc {
					return
				}
				pe.link = dl
				p.linkOpened(pe)
			})
		},
		message: func(dl *directLink, data []byte) {
			p.post(func() {
				if !p.current(pe) {
					return
				}
				switch {
				case pe.state == peerNegotiating && pe.pc == dl.pc:
					// The first frame can overtake the open callback.
					pe.link = dl
					p.linkOpened(pe)
				case pe.link != dl:
					return
				}
				p.handleFrame(pe, data)
			})
		},
		failed: func(err error) {
			p.post(func() {
				if !p.current(pe) {
					return
				}
				if pe.state == peerNegotiating {
					p.negotiationFailed(pe, err)
				} else if pe.link.Direct() {
					p.dropPeer(pe.session, "connection lost")
				}
			})
		},
	}
}

func (p *Provider) current(pe *peer) bool {
	return p.peers[pe.session] == pe
}

func (p *Provider) armTimeout(pe *peer) {
	pe.timeout = p.clock.AfterFunc(p.opts.ConnectTimeout, func() {
		p.post(func() {
			if p.current(pe) && pe.state == peerNegotiating {
				p.negotiationFailed(pe, fmt.Errorf("no data channel after %s", p.opts.ConnectTimeout))
			}
		})
	})
}

// negotiationFailed falls back to a relayed link on the offerer side. The
// answerer forgets the peer and waits for relayed frames.
func (p *Provider) negotiationFailed(pe *peer, err error) {
	p.logger.Debug().Err(err).Str("peer", pe.session).Msg("Direct link negotiation failed")
	p.emitError(apperrors.Transient("Direct link negotiation failed", err))
	p.stopNegotiation(pe)
	if pe.offerer {
		p.openRelayed(pe)
		return
	}
	delete(p.peers, pe.session)
}

func (p *Provider) stopNegotiation(pe *peer) {
	if pe.timeout != nil {
		pe.timeout.Stop()
		pe.timeout = nil
	}
	if pe.pc != nil {
		pc := pe.pc
		pe.pc = nil
		go pc.Close()
	}
}

func (p *Provider) discard(pe *peer) {
	p.stopNegotiation(pe)
	delete(p.peers, pe.session)
}

func (p *Provider) openRelayed(pe *peer) {
	p.stopNegotiation(pe)
	pe.link = &relayedLink{relay: p.relay, topic: p.topic, from: p.session, to: pe.session}
	p.peers[pe.session] = pe
	p.linkOpened(pe)
}

func (p *Provider) linkOpened(pe *peer) {
	if pe.timeout != nil {
		pe.timeout.Stop()
		pe.timeout = nil
	}
	pe.state = peerOpen
	pe.misses = 0
	p.publishView()

	direct := pe.link.Direct()
	p.logger.Info().Str("peer", pe.session).Bool("direct", direct).Msg("Peer connected")
	p.emit(PeerJoined{SessionID: pe.session, Direct: direct})

	sv, err := crdt.EncodeStateVector(p.doc.StateVector())
	if err != nil {
		p.emitError(apperrors.Internal(err))
		return
	}
	p.send(pe, Frame{Type: FrameSyncStep1, Payload: sv})
	if states, err := p.aw.EncodeStates(); err == nil {
		p.send(pe, Frame{Type: FrameAwareness, Payload: states})
	}
}

// handleRelayFrame accepts frames carried by the relay. A smaller session
// that falls back to the relay opens the link implicitly with its first
// frame. Frames from sessions this side will not link with are answered
// with a directed leave so the sender drops its half of the link.
func (p *Provider) handleRelayFrame(from string, data []byte) {
	pe, ok := p.peers[from]
	switch {
	case !ok:
		if from > p.session {
			p.reject(from, reasonNotConnected)
			return
		}
		if p.atCapacity() {
			p.reject(from, reasonAtCapacity)
			return
		}
		pe = &peer{session: from, state: peerNegotiating}
		p.openRelayed(pe)
	case pe.state == peerNegotiating:
		p.openRelayed(pe)
	}
	p.handleFrame(pe, data)
}

func (p *Provider) handleFrame(pe *peer, data []byte) {
	f, err := openFrame(p.ready, data)
	if err != nil {
		p.logger.Debug().Err(err).Str("peer", pe.session).Msg("Dropping frame")
		p.emitError(err)
		return
	}
	pe.misses = 0

	switch f.Type {
	case FrameSyncStep1:
		sv, err := crdt.DecodeStateVector(f.Payload)
		if err != nil {
			p.emitError(err)
			return
		}
		diff, err := crdt.EncodeUpdate(p.doc.Diff(sv))
		if err != nil {
			p.emitError(apperrors.Internal(err))
			return
		}
		p.send(pe, Frame{Type: FrameSyncStep2, Payload: diff})
		if f.Reply {
			own, err := crdt.EncodeStateVector(p.doc.StateVector())
			if err != nil {
				p.emitError(apperrors.Internal(err))
				return
			}
			p.send(pe, Frame{Type: FrameSyncStep1, Payload: own})
		}
	case FrameSyncStep2:
		p.applyRemote(pe, f.Payload)
		if !pe.synced {
			pe.synced = true
			p.publishView()
			p.emit(Synced{SessionID: pe.session})
		}
	case FrameUpdate:
		p.applyRemote(pe, f.Payload)
	case FrameAwareness:
		if err := p.aw.Apply(f.Payload); err != nil {
			p.emitError(err)
		}
	case FramePing:
		p.send(pe, Frame{Type: FramePong, Nonce: f.Nonce, Sent: f.Sent})
	case FramePong:
		rtt := p.clock.Now().Sub(time.Unix(0, f.Sent))
		if rtt >= 0 {
			p.aw.RecordLatency(pe.session, rtt)
		}
	case FrameModeration:
		if seen, _ := p.seen.ContainsOrAdd(blake3.Sum256(f.Payload), struct{}{}); seen {
			return
		}
		p.emit(ModerationReceived{From: pe.session, Payload: f.Payload})
		p.broadcast(f, pe.session)
	}
}

// applyRemote merges an update and forwards whatever was new to the other
// peers.
func (p *Provider) applyRemote(pe *peer, payload []byte) {
	u, err := crdt.DecodeUpdate(payload)
	if err != nil {
		p.emitError(err)
		return
	}
	applied, err := p.doc.Apply(u, p)
	if err != nil {
		p.emitError(err)
		return
	}
	if !applied.Empty() {
		p.broadcastUpdate(applied, pe.session)
	}
}

func (p *Provider) broadcastUpdate(u crdt.Update, except string) {
	if u.Empty() {
		return
	}
	payload, err := crdt.EncodeUpdate(u)
	if err != nil {
		p.emitError(apperrors.Internal(err))
		return
	}
	p.broadcast(Frame{Type: FrameUpdate, Payload: payload}, except)
}

func (p *Provider) broadcastLocalAwareness() {
	states, err := p.aw.EncodeStates(p.session)
	if err != nil {
		p.emitError(apperrors.Internal(err))
		return
	}
	p.broadcast(Frame{Type: FrameAwareness, Payload: states}, "")
}

func (p *Provider) broadcast(f Frame, except string) {
	var sealed []byte
	for session, pe := range p.peers {
		if session == except || pe.state != peerOpen {
			continue
		}
		if sealed == nil {
			var err error
			if sealed, err = sealFrame(p.ready, f); err != nil {
				p.emitError(err)
				return
			}
		}
		if err := pe.link.Send(sealed); err != nil {
			p.logger.Debug().Err(err).Str("peer", session).Str("frame", f.Type.String()).Msg("Send failed")
		}
	}
}

func (p *Provider) send(pe *peer, f Frame) {
	sealed, err := sealFrame(p.ready, f)
	if err != nil {
		p.emitError(err)
		return
	}
	if err := pe.link.Send(sealed); err != nil {
		p.logger.Debug().Err(err).Str("peer", pe.session).Str("frame", f.Type.String()).Msg("Send failed")
	}
}

// keepalive pings every open link and drops peers that missed too many.
func (p *Provider) keepalive() {
	now := p.clock.Now()
	for session, pe := range p.peers {
		if pe.state != peerOpen {
			continue
		}
		if pe.misses >= p.opts.KeepaliveMisses {
			p.logger.Info().Str("peer", session).Int("misses", pe.misses).Msg("Peer unresponsive")
			p.dropPeer(session, "keepalive timeout")
			continue
		}
		pe.misses++
		p.nonce++
		p.send(pe, Frame{Type: FramePing, Nonce: p.nonce, Sent: now.UnixNano()})
	}
}

// reject tells one session that this side keeps no link with it.
func (p *Provider) reject(to, reason string) {
	p.logger.Debug().Str("peer", to).Str("reason", reason).Msg("Rejecting link")
	data, err := sealJSON(p.ready, leavePayload{Session: p.session, Reason: reason})
	if err != nil {
		p.emitError(err)
		return
	}
	p.publish(kindLeave, to, data)
}

// dropPeer forgets a session. Freeing a slot under the connection cap
// announces again, since announces that arrived while full were ignored.
func (p *Provider) dropPeer(session, reason string) {
	pe, ok := p.peers[session]
	if !ok {
		return
	}
	full := p.atCapacity()
	delete(p.peers, session)
	p.stopNegotiation(pe)
	if pe.link != nil {
		l := pe.link
		go l.Close()
	}
	p.aw.Remove(session)
	if pe.state == peerOpen {
		p.publishView()
		p.logger.Info().Str("peer", session).Str("reason", reason).Msg("Peer disconnected")
		p.emit(PeerLeft{SessionID: session, Reason: reason})
	}
	if full && reason != reasonClosed && p.ctx.Err() == nil {
		p.announce("")
	}
}

// leave tells the room this session is going away.
func (p *Provider) leave() {
	if removal, err := p.aw.EncodeLocalRemoval(); err == nil {
		p.broadcast(Frame{Type: FrameAwareness, Payload: removal}, "")
	}
	if data, err := sealJSON(p.ready, leavePayload{Session: p.session, Reason: reasonLeft}); err == nil {
		p.publish(kindLeave, "", data)
	}
	for session := range p.peers {
		p.dropPeer(session, reasonClosed)
	}
}
