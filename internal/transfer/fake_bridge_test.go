package transfer

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/internxt/drive-web-sub008/internal/bridge"
	"github.com/internxt/drive-web-sub008/internal/keys"
	"github.com/internxt/drive-web-sub008/pkg/models"
	"github.com/internxt/drive-web-sub008/pkg/protocol"
)

const (
	testBucket   = "5e4f1a2b3c4d5e6f7a8b9c0d"
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
)

type storedFile struct {
	meta    models.FileMetadata
	mirrors []models.ShardMirror
	shards  map[string][]byte
	// incomplete counts how many more times the shard at an index is
	// served with an empty farmer address.
	incomplete map[int]int
}

type pendingFrame struct {
	shard   models.UploadShardMeta
	payload []byte
}

// fakeNetwork is an in-memory bridge plus farmers behind one httptest server.
type fakeNetwork struct {
	t  *testing.T
	ts *httptest.Server

	requests     atomic.Int32
	replacements atomic.Int32
	finalized    atomic.Int32

	mu      sync.Mutex
	files   map[string]*storedFile
	frames  map[string]*pendingFrame
	fetched []string
	nextID  int

	// stall names a shard whose body stops after half its bytes until the
	// client goes away. stalled is closed once that point is reached.
	stall   string
	stalled chan struct{}
}

func newFakeNetwork(t *testing.T) *fakeNetwork {
	n := &fakeNetwork{
		t:      t,
		files:  make(map[string]*storedFile),
		frames: make(map[string]*pendingFrame),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /buckets/{bucket}/files/{file}/info", n.handleInfo)
	mux.HandleFunc("GET /buckets/{bucket}/files/{file}", n.handleMirrors)
	mux.HandleFunc("POST /frames", n.handleFrame)
	mux.HandleFunc("POST /frames/{frame}/upload-url", n.handleUploadURL)
	mux.HandleFunc("PUT /put/{frame}", n.handlePut)
	mux.HandleFunc("POST /buckets/{bucket}/files", n.handleFinish)
	mux.HandleFunc("GET /shards/{name}", n.handleShard)

	n.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.requests.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(n.ts.Close)
	return n
}

func (n *fakeNetwork) pipeline() *Pipeline {
	return New(bridge.New(bridge.Config{BaseURL: n.ts.URL}), keys.Mnemonic{}, Config{})
}

func (n *fakeNetwork) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (n *fakeNetwork) file(w http.ResponseWriter, r *http.Request) *storedFile {
	n.mu.Lock()
	defer n.mu.Unlock()
	f, ok := n.files[r.PathValue("file")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "File not found"})
		return nil
	}
	return f
}

func (n *fakeNetwork) handleInfo(w http.ResponseWriter, r *http.Request) {
	if f := n.file(w, r); f != nil {
		n.writeJSON(w, f.meta)
	}
}

func (n *fakeNetwork) handleMirrors(w http.ResponseWriter, r *http.Request) {
	f := n.file(w, r)
	if f == nil {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))

	n.mu.Lock()
	defer n.mu.Unlock()

	serve := func(m models.ShardMirror) models.ShardMirror {
		if f.incomplete[m.Index] > 0 {
			m.Farmer.Address = ""
		}
		return m
	}

	if limit == 1 {
		n.replacements.Add(1)
		for _, m := range f.mirrors {
			if m.Index == skip && !m.Parity {
				if f.incomplete[skip] > 0 {
					f.incomplete[skip]--
				}
				n.writeJSON(w, []models.ShardMirror{serve(m)})
				return
			}
		}
		n.writeJSON(w, []models.ShardMirror{})
		return
	}

	page := []models.ShardMirror{}
	for i := skip; i < skip+limit && i < len(f.mirrors); i++ {
		page = append(page, serve(f.mirrors[i]))
	}
	n.writeJSON(w, page)
}

func (n *fakeNetwork) handleFrame(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	n.nextID++
	id := fmt.Sprintf("frame%d", n.nextID)
	n.frames[id] = &pendingFrame{}
	n.mu.Unlock()
	n.writeJSON(w, protocol.FrameResponse{ID: id})
}

func (n *fakeNetwork) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	var req protocol.UploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id := r.PathValue("frame")
	n.mu.Lock()
	fr, ok := n.frames[id]
	if ok {
		fr.shard = req.UploadShardMeta
	}
	n.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	n.writeJSON(w, protocol.UploadURLResponse{URL: n.ts.URL + "/put/" + id})
}

func (n *fakeNetwork) handlePut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	fr, ok := n.frames[r.PathValue("frame")]
	if !ok || int64(len(data)) != fr.shard.Size {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	fr.payload = data
}

func (n *fakeNetwork) handleFinish(w http.ResponseWriter, r *http.Request) {
	n.finalized.Add(1)
	var req protocol.FinishUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	fr, ok := n.frames[req.Frame]
	if !ok || fr.payload == nil || len(req.Shards) != 1 {
		n.mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	n.nextID++
	fileID := fmt.Sprintf("file%d", n.nextID)
	name := fileID + "-0"
	n.files[fileID] = &storedFile{
		meta: models.FileMetadata{
			Bucket:   r.PathValue("bucket"),
			Filename: req.Filename,
			Frame:    req.Frame,
			Size:     req.Shards[0].Size,
			ID:       fileID,
			Index:    req.Index,
		},
		mirrors: []models.ShardMirror{n.mirror(0, name, req.Shards[0].Size)},
		shards:  map[string][]byte{name: fr.payload},
	}
	n.mu.Unlock()

	n.writeJSON(w, protocol.FinishUploadResponse{ID: fileID, Bucket: r.PathValue("bucket"), Size: req.Shards[0].Size})
}

func (n *fakeNetwork) handleShard(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	n.mu.Lock()
	var data []byte
	for _, f := range n.files {
		if d, ok := f.shards[name]; ok {
			data = d
		}
	}
	n.fetched = append(n.fetched, name)
	stall := name == n.stall
	n.mu.Unlock()
	if data == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !stall {
		w.Write(data)
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data[:len(data)/2])
	w.(http.Flusher).Flush()
	close(n.stalled)
	select {
	case <-r.Context().Done():
	case <-time.After(10 * time.Second):
	}
}

// stallShard makes the named shard hang mid-body.
func (n *fakeNetwork) stallShard(name string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stall = name
	n.stalled = make(chan struct{})
	return n.stalled
}

func (n *fakeNetwork) mirror(index int, name string, size int64) models.ShardMirror {
	return models.ShardMirror{
		Index:  index,
		Hash:   name,
		Size:   size,
		Token:  "tok",
		Farmer: models.Farmer{NodeID: "node-" + name, Address: "127.0.0.1", Port: 443},
		URL:    n.ts.URL + "/shards/" + name,
	}
}

// addFile stores plaintext encrypted under key, split into parts shards, plus
// one parity shard that must never be fetched. Mirrors are listed out of order.
func (n *fakeNetwork) addFile(fileID string, key, plaintext []byte, parts int) *storedFile {
	index := make([]byte, models.IndexSize)
	rand.Read(index)
	block, err := aes.NewCipher(key)
	if err != nil {
		n.t.Fatal(err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, index[:models.IVSize]).XORKeyStream(ciphertext, plaintext)

	f := &storedFile{
		meta: models.FileMetadata{
			Bucket: testBucket,
			ID:     fileID,
			Size:   int64(len(plaintext)),
			Index:  hex.EncodeToString(index),
		},
		shards:     make(map[string][]byte),
		incomplete: make(map[int]int),
	}

	chunk := (len(ciphertext) + parts - 1) / parts
	for i := parts - 1; i >= 0; i-- {
		lo, hi := i*chunk, (i+1)*chunk
		if hi > len(ciphertext) {
			hi = len(ciphertext)
		}
		name := fmt.Sprintf("%s-%d", fileID, i)
		f.shards[name] = ciphertext[lo:hi]
		f.mirrors = append(f.mirrors, n.mirror(i, name, int64(hi-lo)))
	}
	parity := n.mirror(parts, fileID+"-parity", int64(chunk))
	parity.Parity = true
	f.shards[fileID+"-parity"] = bytes.Repeat([]byte{0xff}, chunk)
	f.mirrors = append(f.mirrors[:1], append([]models.ShardMirror{parity}, f.mirrors[1:]...)...)

	n.mu.Lock()
	n.files[fileID] = f
	n.mu.Unlock()
	return f
}

func (n *fakeNetwork) fetchedShards() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.fetched...)
}

func testKey() []byte {
	return bytes.Repeat([]byte{0x5a}, models.KeySize)
}

func testPlaintext(size int) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = byte(i*7 + i/251)
	}
	return p
}

func mnemonicKey(t *testing.T, meta models.FileMetadata) []byte {
	t.Helper()
	index, err := meta.IndexBytes()
	if err != nil {
		t.Fatal(err)
	}
	key, err := keys.Mnemonic{}.FileKey(context.Background(), testMnemonic, testBucket, index)
	if err != nil {
		t.Fatal(err)
	}
	return key
}
