package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	STUNServers []string
	// ICEDisconnectedTimeout and ICEFailedTimeout tune how long a flaky path
	// is tolerated before the connection is declared failed.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		STUNServers:            []string{"stun:stun.l.google.com:19302"},
		ICEDisconnectedTimeout: 10 * time.Second,
		ICEFailedTimeout:       30 * time.Second,
	}
}

func (c Config) webrtc() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// NewAPI builds a pion API with the default codecs and interceptors.
func NewAPI(cfg Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	if cfg.ICEDisconnectedTimeout > 0 && cfg.ICEFailedTimeout > 0 {
		se.SetICETimeouts(cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout, 2*time.Second)
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Connection wraps one PeerConnection with application callbacks.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	onICE       func(webrtc.ICECandidateInit)
	onConnected func()
	onTrack     func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed    func()

	connectedOnce sync.Once
	closed        atomic.Bool
}

func NewConnection(api *webrtc.API, cfg Config, peer string) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg.webrtc())
	if err != nil {
		return nil, err
	}
	c := &Connection{
		pc:     pc,
		logger: log.With().Str("module", "webrtc").Str("peer", peer).Logger(),
	}
	c.bind()
	return c, nil
}

// Callbacks must be set before negotiation starts.
func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }
func (c *Connection) OnConnected(fn func())                         { c.onConnected = fn }
func (c *Connection) OnClosed(fn func())                            { c.onClosed = fn }
func (c *Connection) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

func (c *Connection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.connectedOnce.Do(func() {
				if c.onConnected != nil {
					c.onConnected()
				}
			})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.fireClosed()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")
		if c.onTrack != nil {
			c.onTrack(track, receiver)
		}
	})
}

// ApplyOfferAndCreateAnswer answers a remote offer and waits for ICE
// gathering so the answer carries every local candidate.
func (c *Connection) ApplyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.pc.LocalDescription(), nil
}

// CreateOffer creates and applies a local offer. Candidates trickle through
// OnICECandidate.
func (c *Connection) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddLocalTrack attaches track and drains the sender's RTCP so interceptors
// keep running.
func (c *Connection) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (c *Connection) Close() error {
	err := c.pc.Close()
	if err != nil {
		c.logger.Error().Err(err).Msg("close error")
	} else {
		c.logger.Debug().Msg("closed")
	}
	c.fireClosed()
	return err
}

// fireClosed may be re-entered from onClosed itself, so it is guarded by a
// flag rather than a sync.Once.
func (c *Connection) fireClosed() {
	if c.closed.CompareAndSwap(false, true) && c.onClosed != nil {
		c.onClosed()
	}
}
