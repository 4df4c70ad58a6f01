package transport

// link carries sealed frames to one peer.
type link interface {
	Send(sealed []byte) error
	Close() error
	Direct() bool
}

// relayedLink sends frames through the relay, addressed to one session.
// It is the fallback when no direct path could be negotiated.
type relayedLink struct {
	relay *relayConn
	topic string
	from  string
	to    string
}

func (l *relayedLink) Send(sealed []byte) error {
	return l.relay.Send(relayMessage{
		Type:  msgPublish,
		Topic: l.topic,
		Kind:  kindRelay,
		From:  l.from,
		To:    l.to,
		Data:  sealed,
	})
}

func (l *relayedLink) Close() error {
	return nil
}

func (l *relayedLink) Direct() bool {
	return false
}
