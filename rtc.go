package cubesync

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/cubesync/cubesync/wire"
)

// Unreliable-channel negotiation. The client offers a peer connection with a
// single data channel configured ordered with a retransmit budget of one —
// fresher transform samples are always in flight, so a datagram is worth at
// most one retry. Offer, answer and ICE candidates ride the reliable channel.

// gatherDelay gives ICE gathering a head start before the offer goes out so
// the SDP usually carries the host candidates already.
const gatherDelay = 100 * time.Millisecond

// rtcRetryAfter is how long the negotiator waits before re-offering with an
// ICE restart when the first attempt ends up in the failed state.
const rtcRetryAfter = 5 * time.Second

var rtcConfig = webrtc.Configuration{
	ICEServers: []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
		{URLs: []string{"stun:global.stun.twilio.com:3478"}},
	},
}

type rtcLink struct {
	client *Client
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	mu          sync.Mutex
	remoteSet   bool
	pending     []webrtc.ICECandidateInit // remote candidates awaiting the answer
	offerSent   bool
	queuedLocal []webrtc.ICECandidateInit // local candidates gathered before the offer went out
	closed      bool
}

// startRTCLocked begins negotiation after the reliable transport opens.
// Failures here are non-fatal: the reliable channel carries everything the
// unreliable one would, just slower.
func (c *Client) startRTCLocked() {
	link, err := newRTCLink(c)
	if err != nil {
		c.log.Warn().Err(err).Msg("unreliable channel unavailable")
		return
	}
	c.rtc = link
}

func newRTCLink(c *Client) (*rtcLink, error) {
	pc, err := webrtc.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, err
	}
	link := &rtcLink{client: c, pc: pc}

	ordered := true
	var retransmits uint16 = 1
	dc, err := pc.CreateDataChannel("cubesync", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}
	link.dc = dc

	dc.OnOpen(func() {
		c.log.Info().Msg("unreliable channel open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		link.handleDatagram(msg.Data)
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // gathering complete
		}
		init := cand.ToJSON()
		link.mu.Lock()
		if !link.offerSent {
			link.queuedLocal = append(link.queuedLocal, init)
			link.mu.Unlock()
			return
		}
		link.mu.Unlock()
		link.sendCandidate(init)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.log.Debug().Str("state", state.String()).Msg("ice state")
	})

	go link.offer(false)
	time.AfterFunc(rtcRetryAfter, link.retryIfFailed)
	return link, nil
}

// offer creates and sends the session offer. No media is negotiated, only
// the data channel; restart forces fresh ICE credentials.
func (l *rtcLink) offer(restart bool) {
	offer, err := l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: restart})
	if err != nil {
		l.client.log.Warn().Err(err).Msg("rtc offer failed")
		return
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.client.log.Warn().Err(err).Msg("rtc local description failed")
		return
	}
	time.Sleep(gatherDelay)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.offerSent = true
	queued := l.queuedLocal
	l.queuedLocal = nil
	l.mu.Unlock()

	l.client.Send(map[string]any{"c": "rtc-offer", "type": offer.Type.String(), "sdp": offer.SDP})
	for _, cand := range queued {
		l.sendCandidate(cand)
	}
}

func (l *rtcLink) retryIfFailed() {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	if l.pc.ICEConnectionState() == webrtc.ICEConnectionStateFailed {
		l.client.log.Info().Msg("re-offering unreliable channel after ice failure")
		go l.offer(true)
		time.AfterFunc(rtcRetryAfter, l.retryIfFailed)
	}
}

// handleAnswer installs the remote description and flushes any candidates
// that arrived ahead of it.
func (l *rtcLink) handleAnswer(sdp string) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		l.client.log.Warn().Err(err).Msg("rtc answer rejected")
		return
	}
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, cand := range pending {
		if err := l.pc.AddICECandidate(cand); err != nil {
			l.client.log.Debug().Err(err).Msg("buffered candidate rejected")
		}
	}
}

// handleCandidate applies a remote candidate, buffering it when the answer
// has not landed yet.
func (l *rtcLink) handleCandidate(candidate string) {
	init := webrtc.ICECandidateInit{Candidate: candidate}
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, init)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	if err := l.pc.AddICECandidate(init); err != nil {
		l.client.log.Debug().Err(err).Msg("candidate rejected")
	}
}

func (l *rtcLink) sendCandidate(init webrtc.ICECandidateInit) {
	l.client.Send(map[string]any{"c": "rtc-candidate", "candidate": init.Candidate})
}

// handleDatagram routes an unreliable frame through the same dispatcher as
// reliable traffic.
func (l *rtcLink) handleDatagram(data []byte) {
	c := l.client
	frame, derr := wire.Unmarshal(data)

	c.mu.Lock()
	if c.rtc != l {
		c.mu.Unlock()
		return
	}
	c.stats.RecRTC += int64(len(data))
	c.metrics.bytesRecRTC.Add(float64(len(data)))
	if derr != nil {
		c.metrics.decodeErrors.Inc()
		c.mu.Unlock()
		c.log.Warn().Err(derr).Msg("dropping undecodable datagram")
		return
	}
	notes := c.handleFrame(frame, c.now())
	c.mu.Unlock()

	for _, fn := range notes {
		fn()
	}
}

// SendRTC transmits an application-level frame over the unreliable channel.
// Silently ignored when the channel is not open.
func (c *Client) SendRTC(frame map[string]any) {
	c.mu.Lock()
	link := c.rtc
	c.mu.Unlock()
	if link == nil {
		return
	}
	link.send(frame)
}

func (l *rtcLink) send(frame map[string]any) {
	if l.dc == nil || l.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	data, err := wire.Marshal(frame)
	if err != nil {
		l.client.log.Warn().Err(err).Msg("dropping unencodable datagram")
		return
	}
	if err := l.dc.Send(data); err != nil {
		l.client.log.Debug().Err(err).Msg("datagram send failed")
		return
	}
	l.client.mu.Lock()
	l.client.stats.SendRTC += int64(len(data))
	l.client.metrics.bytesSentRTC.Add(float64(len(data)))
	l.client.mu.Unlock()
}

// close tears down both directions and drops all negotiation state.
func (l *rtcLink) close() {
	l.mu.Lock()
	l.closed = true
	l.pending = nil
	l.queuedLocal = nil
	l.mu.Unlock()

	if l.dc != nil {
		l.dc.Close()
	}
	l.pc.Close()
}
