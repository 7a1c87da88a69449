package rtc

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/app/sfu"
	"github.com/dkeye/karaoke/internal/core"
)

func newTestDialer(t *testing.T) (*Dialer, *sfu.RelayManager) {
	t.Helper()
	cfg := Config{}
	api, err := NewAPI(cfg)
	require.NoError(t, err)
	relays := sfu.NewRelayManager()
	t.Cleanup(func() { relays.StopRelay("main") })
	return NewDialer(api, cfg, relays), relays
}

func TestDialerOffersOpus(t *testing.T) {
	d, relays := newTestDialer(t)

	link, err := d.Dial(context.Background(), "main", "a", "b", karaoke.LinkEvents{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })

	assert.Equal(t, 1, relays.Relay("main").Subscribers())

	raw, err := link.LocalOffer(context.Background())
	require.NoError(t, err)

	var offer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(raw, &offer))
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.True(t, strings.Contains(strings.ToLower(offer.SDP), "opus"))
}

func TestDialerRejectsMalformedPayloads(t *testing.T) {
	d, _ := newTestDialer(t)

	link, err := d.Dial(context.Background(), "main", "a", "b", karaoke.LinkEvents{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })

	assert.Error(t, link.ApplyAnswer(json.RawMessage(`not json`)))
	assert.Error(t, link.AddCandidate(json.RawMessage(`[]`)))
}

func TestDialerCloseFiresOnce(t *testing.T) {
	d, relays := newTestDialer(t)

	var closed atomic.Int32
	var link karaoke.Link
	link, err := d.Dial(context.Background(), "main", "a", "b", karaoke.LinkEvents{
		OnClosed: func() {
			closed.Add(1)
			// the room re-enters Close from its own close path
			_ = link.Close()
		},
	})
	require.NoError(t, err)

	_ = link.Close()
	_ = link.Close()

	assert.EqualValues(t, 1, closed.Load())
	assert.Zero(t, relays.Relay("main").Subscribers())
}

func TestDialerHonoursCancelledContext(t *testing.T) {
	d, _ := newTestDialer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dial(ctx, "main", "a", "b", karaoke.LinkEvents{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUplinksRejectBadOffer(t *testing.T) {
	cfg := Config{}
	api, err := NewAPI(cfg)
	require.NoError(t, err)
	u := NewUplinks(api, cfg, sfu.NewRelayManager())

	_, err = u.Accept(context.Background(), "main", "a", json.RawMessage(`{`), core.UplinkEvents{})
	assert.Error(t, err)
	assert.Error(t, u.AddCandidate("a", json.RawMessage(`{}`)))
}

// closingSource blocks until closed, then fails every read like a torn down track.
type closingSource struct {
	done chan struct{}
}

func (s *closingSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-s.done
	return nil, nil, io.EOF
}

func TestRetiredUplinkNeverReportsLost(t *testing.T) {
	relays := sfu.NewRelayManager()
	t.Cleanup(func() { relays.StopRelay("main") })

	ctx, cancel := context.WithCancel(context.Background())
	up := &uplink{cancel: cancel}
	var lost atomic.Int32
	src := &closingSource{done: make(chan struct{})}
	relays.StartSource(ctx, "main", "a", src, sfu.SourceHooks{
		OnLost: up.reportLost(func(error) { lost.Add(1) }),
	})

	up.retire()
	assert.Error(t, ctx.Err(), "retire stops the relay source first")
	close(src.done)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, lost.Load())
	up.reportLost(func(error) { lost.Add(1) })(io.EOF)
	assert.Zero(t, lost.Load())
	assert.Nil(t, up.reportLost(nil))
}

func TestLiveUplinkReportsLost(t *testing.T) {
	up := &uplink{}
	var got error
	up.reportLost(func(err error) { got = err })(ErrUplinkClosed)
	assert.ErrorIs(t, got, ErrUplinkClosed)
}
