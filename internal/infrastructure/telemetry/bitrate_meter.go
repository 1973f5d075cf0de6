package telemetry

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/pion/rtp"
)

const (
	DefaultMeterDuration = 2 * time.Second
	DefaultMeterWindow   = 100 * time.Millisecond
)

type meterWindow struct {
	start time.Time
	bytes int
}

// BitrateMeter measures received bitrate over a sliding window made of
// fixed-size buckets.
type BitrateMeter struct {
	lock           sync.Mutex
	duration       time.Duration
	windowDuration time.Duration

	windows deque.Deque[meterWindow]
	active  meterWindow
	bytes   int
	start   time.Time
	started bool
}

func NewBitrateMeter(duration, window time.Duration) *BitrateMeter {
	if duration <= 0 {
		duration = DefaultMeterDuration
	}
	if window <= 0 || window > duration {
		window = DefaultMeterWindow
	}
	return &BitrateMeter{
		duration:       duration,
		windowDuration: window,
	}
}

// AddPacket accounts for the full marshalled size of an RTP packet.
func (m *BitrateMeter) AddPacket(pkt *rtp.Packet, at time.Time) {
	if pkt == nil {
		return
	}
	m.AddBytes(pkt.MarshalSize(), at)
}

func (m *BitrateMeter) AddBytes(n int, at time.Time) {
	if n < 0 {
		n = 0
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.started {
		m.started = true
		m.start = at
		m.active = meterWindow{start: at}
	}

	if at.Sub(m.active.start) >= m.windowDuration {
		m.windows.PushBack(m.active)
		m.active = meterWindow{start: at}

		for m.windows.Len() > 0 {
			if w := m.windows.Front(); at.Sub(w.start) > m.duration+m.windowDuration {
				m.bytes -= w.bytes
				m.windows.PopFront()
			} else {
				m.start = w.start
				break
			}
		}
		if m.windows.Len() == 0 {
			m.start = at
			m.bytes = 0
		}
	}

	m.bytes += n
	m.active.bytes += n
}

// BitrateKbps returns the measured rate. ok is false until at least one
// window of data has been observed.
func (m *BitrateMeter) BitrateKbps(at time.Time) (float64, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.started {
		return 0, false
	}
	elapsed := at.Sub(m.start)
	if elapsed < m.windowDuration {
		return 0, false
	}
	return float64(m.bytes*8) / float64(elapsed.Milliseconds()), true
}

func (m *BitrateMeter) Reset() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.windows.Clear()
	m.active = meterWindow{}
	m.bytes = 0
	m.started = false
}
