package agent

import (
	"sync"
	"time"

	"github.com/servidesk/servidesk/internal/protocol"
)

// clipboardPollInterval is how often the host clipboard is sampled.
const clipboardPollInterval = 500 * time.Millisecond

// clipboardSync mirrors the host clipboard to the viewer and applies remote
// clipboard writes, suppressing the echo of its own changes.
type clipboardSync struct {
	client *Client
	sess   *session

	mu       sync.Mutex
	lastText string
	suppress string

	done     chan struct{}
	stopOnce sync.Once
}

func newClipboardSync(c *Client, sess *session) *clipboardSync {
	return &clipboardSync{
		client: c,
		sess:   sess,
		done:   make(chan struct{}),
	}
}

func (cs *clipboardSync) start() {
	if cs.client.collab.Clipboard == nil {
		return
	}
	go cs.pollLoop()
}

func (cs *clipboardSync) stop() {
	cs.stopOnce.Do(func() {
		close(cs.done)
	})
}

func (cs *clipboardSync) pollLoop() {
	ticker := time.NewTicker(clipboardPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cs.done:
			return
		case <-ticker.C:
			cs.poll()
		}
	}
}

func (cs *clipboardSync) poll() {
	text, err := cs.client.collab.Clipboard.ReadText()
	if err != nil {
		return
	}

	cs.mu.Lock()
	if text == cs.lastText {
		cs.mu.Unlock()
		return
	}
	if text == cs.suppress {
		// Our own remote write coming back around; swallow it once.
		cs.lastText = text
		cs.suppress = ""
		cs.mu.Unlock()
		return
	}
	cs.lastText = text
	cs.mu.Unlock()

	packet := protocol.EncodePacket(protocol.PacketClipboardData, []byte(text))
	if err := cs.sess.sendPacket(packet); err != nil {
		log.Debug("clipboard send failed", "error", err)
	}
}

// remoteSet applies viewer clipboard content to the host and marks it so
// the next poll does not bounce it back.
func (cs *clipboardSync) remoteSet(text string) {
	if cs.client.collab.Clipboard == nil {
		return
	}
	cs.mu.Lock()
	cs.suppress = text
	cs.mu.Unlock()
	if err := cs.client.collab.Clipboard.WriteText(text); err != nil {
		log.Debug("clipboard write failed", "error", err)
	}
}
