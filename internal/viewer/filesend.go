package viewer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/servidesk/servidesk/internal/protocol"
)

const (
	// fileChunkSize keeps each 0x04 payload under the relay's frame limit.
	fileChunkSize = 1_500_000
	// interChunkDelay paces the stream so video frames keep flowing.
	interChunkDelay = 10 * time.Millisecond

	acceptTimeout = 60 * time.Second
)

type outgoingTransfer struct {
	id       string
	path     string
	accepted chan struct{}
	failed   chan string
}

// SendFile offers a file to the agent and, once accepted, streams it in
// bounded chunks with a short inter-chunk sleep for backpressure.
func (c *Client) SendFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("directories are not transferable")
	}

	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	transfer := &outgoingTransfer{
		id:       hex.EncodeToString(buf),
		path:     path,
		accepted: make(chan struct{}),
		failed:   make(chan string, 1),
	}

	c.mu.Lock()
	if c.transfer != nil {
		c.mu.Unlock()
		return fmt.Errorf("a transfer is already in progress")
	}
	c.transfer = transfer
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.transfer = nil
		c.mu.Unlock()
	}()

	c.sendEnvelope(protocol.TypeFileOffer, protocol.FileOffer{
		TransferID: transfer.id,
		FileName:   filepath.Base(path),
		FileSize:   info.Size(),
	})

	select {
	case <-transfer.accepted:
	case reason := <-transfer.failed:
		return fmt.Errorf("transfer rejected: %s", reason)
	case <-time.After(acceptTimeout):
		return fmt.Errorf("transfer offer timed out")
	case <-c.done:
		return fmt.Errorf("client stopped")
	}

	chunk := make([]byte, fileChunkSize)
	for {
		n, err := file.Read(chunk)
		if n > 0 {
			payload, perr := protocol.EncodeFileChunk(transfer.id, chunk[:n])
			if perr != nil {
				return perr
			}
			c.sendFilePacket(protocol.EncodePacket(protocol.PacketFileTransfer, payload))
			time.Sleep(interChunkDelay)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		select {
		case reason := <-transfer.failed:
			return fmt.Errorf("transfer aborted: %s", reason)
		case <-c.done:
			return fmt.Errorf("client stopped")
		default:
		}
	}

	c.sendEnvelope(protocol.TypeFileComplete, protocol.FileComplete{TransferID: transfer.id})
	log.Info("file transfer sent", "file", filepath.Base(path), "bytes", info.Size())
	return nil
}

// sendFilePacket seals the packet when possible and blocks briefly rather
// than dropping: file chunks, unlike video, must all arrive.
func (c *Client) sendFilePacket(packet []byte) {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()
	data := packet
	if channel != nil && channel.IsReady() {
		sealed, err := channel.Encrypt(packet)
		if err != nil {
			return
		}
		data = sealed
	}
	select {
	case c.sendBin <- data:
	case <-c.done:
	}
}

func (c *Client) handleFileAccept(transferID string) {
	c.mu.RLock()
	transfer := c.transfer
	c.mu.RUnlock()
	if transfer == nil || transfer.id != transferID {
		return
	}
	close(transfer.accepted)
}

func (c *Client) handleFileError(fe protocol.FileError) {
	c.mu.RLock()
	transfer := c.transfer
	c.mu.RUnlock()
	if transfer == nil || transfer.id != fe.TransferID {
		return
	}
	select {
	case transfer.failed <- fe.Message:
	default:
	}
}
