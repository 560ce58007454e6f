package agent

import (
	"fmt"
	"os"
	"sync"

	"github.com/servidesk/servidesk/internal/protocol"
)

// maxIncomingFileSize caps a single accepted transfer.
const maxIncomingFileSize = 2 * 1024 * 1024 * 1024

type incomingFile struct {
	name     string
	path     string
	size     int64
	received int64
	file     *os.File
}

// fileReceiver accumulates incoming 0x04 chunk streams keyed by their
// embedded transfer id.
type fileReceiver struct {
	client *Client

	mu        sync.Mutex
	transfers map[string]*incomingFile
}

func newFileReceiver(c *Client) *fileReceiver {
	return &fileReceiver{
		client:    c,
		transfers: make(map[string]*incomingFile),
	}
}

// handleOffer prompts the user and replies file_accept or file_error.
func (fr *fileReceiver) handleOffer(offer protocol.FileOffer) {
	safeName := protocol.SafeFileName(offer.FileName)
	if safeName == "" || offer.TransferID == "" {
		fr.reject(offer.TransferID, "invalid file name")
		return
	}
	if offer.FileSize < 0 || offer.FileSize > maxIncomingFileSize {
		fr.reject(offer.TransferID, "file too large")
		return
	}
	if fr.client.collab.UI == nil {
		fr.reject(offer.TransferID, "no user available to accept")
		return
	}
	path, accepted := fr.client.collab.UI.PromptFileSave(safeName, offer.FileSize)
	if !accepted {
		fr.reject(offer.TransferID, "declined by user")
		return
	}

	file, err := os.Create(path)
	if err != nil {
		fr.reject(offer.TransferID, fmt.Sprintf("cannot create file: %v", err))
		return
	}

	fr.mu.Lock()
	fr.transfers[offer.TransferID] = &incomingFile{
		name: safeName,
		path: path,
		size: offer.FileSize,
		file: file,
	}
	fr.mu.Unlock()

	fr.client.sendEnvelope(protocol.TypeFileAccept, protocol.FileAccept{TransferID: offer.TransferID})
	log.Info("file transfer accepted", "file", safeName, "size", offer.FileSize)
}

// handleChunk appends one chunk. Chunks for unknown transfers are dropped;
// overshoot aborts the transfer.
func (fr *fileReceiver) handleChunk(transferID string, chunk []byte) {
	fr.mu.Lock()
	transfer, ok := fr.transfers[transferID]
	if !ok {
		fr.mu.Unlock()
		return
	}
	if transfer.received+int64(len(chunk)) > transfer.size {
		delete(fr.transfers, transferID)
		fr.mu.Unlock()
		transfer.file.Close()
		os.Remove(transfer.path)
		fr.reject(transferID, "received more data than declared")
		return
	}
	if _, err := transfer.file.Write(chunk); err != nil {
		delete(fr.transfers, transferID)
		fr.mu.Unlock()
		transfer.file.Close()
		fr.reject(transferID, fmt.Sprintf("write failed: %v", err))
		return
	}
	transfer.received += int64(len(chunk))
	fr.mu.Unlock()
}

// handleComplete flushes and closes the finished transfer.
func (fr *fileReceiver) handleComplete(fc protocol.FileComplete) {
	fr.mu.Lock()
	transfer, ok := fr.transfers[fc.TransferID]
	if ok {
		delete(fr.transfers, fc.TransferID)
	}
	fr.mu.Unlock()
	if !ok {
		return
	}

	if err := transfer.file.Sync(); err != nil {
		log.Warn("file sync failed", "file", transfer.name, "error", err)
	}
	transfer.file.Close()
	log.Info("file transfer complete", "file", transfer.name, "bytes", transfer.received)
}

func (fr *fileReceiver) reject(transferID, reason string) {
	if transferID == "" {
		return
	}
	fr.client.sendEnvelope(protocol.TypeFileError, protocol.FileError{
		TransferID: transferID,
		Message:    reason,
	})
}

// close abandons all in-flight transfers.
func (fr *fileReceiver) close() {
	fr.mu.Lock()
	transfers := fr.transfers
	fr.transfers = make(map[string]*incomingFile)
	fr.mu.Unlock()
	for _, t := range transfers {
		t.file.Close()
		os.Remove(t.path)
	}
}
