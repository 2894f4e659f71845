package transport

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpool/internal/rtc"
	"github.com/1ureka/rtcpool/internal/util"
)

// DefaultICEServers are used when Options.ICEServers is nil. No TURN: the
// mesh relies on direct connectivity.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}},
}

// Options configures every session a factory creates.
type Options struct {
	// ICEServers defaults to DefaultICEServers when nil. An empty non-nil
	// slice disables STUN entirely.
	ICEServers []webrtc.ICEServer

	// IncludeLoopback gathers loopback host candidates, which lets two
	// processes on one machine (or a test) connect without any network.
	IncludeLoopback bool
}

// newAPI builds the pion API shared by all sessions of a factory: default
// codecs, default interceptors (NACK, RTCP reports, TWCC) and pion logs
// routed through pterm.
func newAPI(opts Options) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// NewFactory returns a session factory backed by pion PeerConnections.
func NewFactory(opts Options) (rtc.SessionFactory, error) {
	api, err := newAPI(opts)
	if err != nil {
		return nil, err
	}

	servers := opts.ICEServers
	if servers == nil {
		servers = DefaultICEServers
	}
	config := webrtc.Configuration{ICEServers: servers}

	return func(peerID string) (rtc.Session, error) {
		pc, err := api.NewPeerConnection(config)
		if err != nil {
			return nil, err
		}
		util.LogPeerDebug(peerID, "peer connection created")
		return newTransport(peerID, pc), nil
	}, nil
}
