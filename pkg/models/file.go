// Package models contains the data types shared by the transfer pipeline and its callers.
package models

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	// IndexSize is the length of the per-file index in bytes.
	IndexSize = 32
	// IVSize is the length of the cipher IV taken from the index.
	IVSize = 16
	// KeySize is the length of the symmetric file key.
	KeySize = 32
)

// HashDescriptor names the algorithm and value of a content hash.
type HashDescriptor struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ErasureDescriptor describes the erasure coding applied to a file, if any.
type ErasureDescriptor struct {
	Type string `json:"type"`
}

// FileMetadata is returned by the bridge file-info endpoint.
type FileMetadata struct {
	Bucket   string             `json:"bucket"`
	MimeType string             `json:"mimetype"`
	Filename string             `json:"filename"`
	Frame    string             `json:"frame"`
	Size     int64              `json:"size"`
	ID       string             `json:"id"`
	Created  time.Time          `json:"created"`
	HMAC     HashDescriptor     `json:"hmac"`
	Erasure  *ErasureDescriptor `json:"erasure,omitempty"`
	Index    string             `json:"index"`
}

// IndexBytes decodes the hex index. It must be exactly IndexSize bytes.
func (m *FileMetadata) IndexBytes() ([]byte, error) {
	raw, err := hex.DecodeString(m.Index)
	if err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if len(raw) != IndexSize {
		return nil, fmt.Errorf("index is %d bytes, want %d", len(raw), IndexSize)
	}
	return raw, nil
}

// IV returns the first IVSize bytes of the index.
func (m *FileMetadata) IV() ([]byte, error) {
	raw, err := m.IndexBytes()
	if err != nil {
		return nil, err
	}
	return raw[:IVSize], nil
}

// Farmer is the storage node hosting a shard.
type Farmer struct {
	UserAgent string    `json:"userAgent"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	NodeID    string    `json:"nodeID"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Complete reports whether the farmer record carries a node id, address and port.
func (f *Farmer) Complete() bool {
	return f.NodeID != "" && strings.TrimSpace(f.Address) != "" && f.Port > 0
}

// ShardMirror is one storage location of one shard.
type ShardMirror struct {
	Index        int    `json:"index"`
	ReplaceCount int    `json:"replaceCount"`
	Hash         string `json:"hash"`
	Size         int64  `json:"size"`
	Parity       bool   `json:"parity"`
	Token        string `json:"token"`
	Farmer       Farmer `json:"farmer"`
	URL          string `json:"url"`
	Operation    string `json:"operation"`
}

// Usable reports whether the mirror can be fetched.
func (m *ShardMirror) Usable() bool {
	return m.Farmer.Complete() && m.URL != ""
}

// NetworkCredentials is the basic-auth pair for the bridge.
type NetworkCredentials struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// UploadShardMeta describes the single shard registered when an upload is finalized.
type UploadShardMeta struct {
	Hash   string `json:"hash"`
	Index  int    `json:"index"`
	Parity bool   `json:"parity"`
	Size   int64  `json:"size"`
}

// EncryptionContext holds the key and IV of one transfer. It is never persisted.
type EncryptionContext struct {
	Key []byte
	IV  []byte
}

// Wipe zeroes the key material.
func (e *EncryptionContext) Wipe() {
	for i := range e.Key {
		e.Key[i] = 0
	}
	for i := range e.IV {
		e.IV[i] = 0
	}
}
