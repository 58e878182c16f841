package peer

import (
	"log"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const pliInterval = 3 * time.Second

// rtpStats counts packets and sequence gaps of one remote track.
type rtpStats struct {
	packets uint64
	bytes   uint64
	lost    uint64

	started bool
	lastSeq uint16
}

func (s *rtpStats) add(p *rtp.Packet) {
	s.packets++
	s.bytes += uint64(len(p.Payload))
	if s.started {
		// uint16 arithmetic handles the wrap at 65535.
		if gap := p.SequenceNumber - s.lastSeq; gap > 1 && gap < 0x8000 {
			s.lost += uint64(gap - 1)
		}
	}
	s.started = true
	s.lastSeq = p.SequenceNumber
}

// readRemote consumes a remote track until the connection closes. Nothing
// plays the media; reading keeps the receive buffers and interceptors moving.
func (a *Adapter) readRemote(tr *webrtc.TrackRemote) {
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		go a.requestKeyframes(tr)
	}

	var st rtpStats
	for {
		pkt, _, err := tr.ReadRTP()
		if err != nil {
			break
		}
		st.add(pkt)
	}
	log.Printf("PEER [%s]: remote %s track %s done: %d packets, %d bytes, %d lost",
		a.conv, tr.Kind(), tr.ID(), st.packets, st.bytes, st.lost)
}

// requestKeyframes sends periodic PLIs so a late or lossy video stream
// recovers without waiting for the sender's next key frame.
func (a *Adapter) requestKeyframes(tr *webrtc.TrackRemote) {
	tick := time.NewTicker(pliInterval)
	defer tick.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-tick.C:
			err := a.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())}})
			if err != nil {
				return
			}
		}
	}
}
