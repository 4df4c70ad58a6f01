package transport

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// dataChannelLabel names the single ordered, reliable channel per peer.
const dataChannelLabel = "collab"

// directLink is an open WebRTC data channel.
type directLink struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
}

func (l *directLink) Send(sealed []byte) error {
	return l.dc.Send(sealed)
}

func (l *directLink) Close() error {
	return l.pc.Close()
}

func (l *directLink) Direct() bool {
	return true
}

// linkHooks receive data channel callbacks. They run on pion goroutines;
// message may fire before opened has been handled.
type linkHooks struct {
	opened  func(*directLink)
	message func(*directLink, []byte)
	failed  func(error)
}

// negotiator creates PeerConnections and runs vanilla ICE: all candidates
// are gathered before an SDP is returned, so signaling needs exactly one
// offer and one answer.
type negotiator struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func newNegotiator(ice ICEConfig) *negotiator {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	return &negotiator{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config: webrtc.Configuration{ICEServers: ice.Servers},
	}
}

func (n *negotiator) newConnection(h linkHooks) (*webrtc.PeerConnection, error) {
	pc, err := n.api.NewPeerConnection(n.config)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			h.failed(fmt.Errorf("peer connection %s", state))
		}
	})
	return pc, nil
}

func wireChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, h linkHooks) {
	dl := &directLink{pc: pc, dc: dc}
	dc.OnOpen(func() {
		h.opened(dl)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		h.message(dl, msg.Data)
	})
	dc.OnClose(func() {
		h.failed(fmt.Errorf("data channel closed"))
	})
}

// offer opens the data channel and returns the complete SDP offer.
func (n *negotiator) offer(ctx context.Context, pc *webrtc.PeerConnection, h linkHooks) (string, error) {
	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", fmt.Errorf("creating data channel: %w", err)
	}
	wireChannel(pc, dc, h)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}
	return gatherLocal(ctx, pc, offer)
}

// answer accepts a remote offer and returns the complete SDP answer.
func (n *negotiator) answer(ctx context.Context, pc *webrtc.PeerConnection, h linkHooks, offerSDP string) (string, error) {
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			dc.Close()
			return
		}
		wireChannel(pc, dc, h)
	})

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}
	return gatherLocal(ctx, pc, answer)
}

func acceptAnswer(pc *webrtc.PeerConnection, answerSDP string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func gatherLocal(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
	return pc.LocalDescription().SDP, nil
}
