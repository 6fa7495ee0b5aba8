package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ValentinKolb/dSMR/lib/smr"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	magicNum        = "DSMRSNAP"
	snapshotVersion = 1
	fileName        = "snapshot.dat"
)

// Meta describes what a snapshot covers: every entry up to and including
// Index (with View being the view of that entry) is folded into the checkpoint.
type Meta struct {
	Index uint64
	View  uint64
}

// Store persists the latest snapshot of a replica. Only the newest snapshot is kept.
type Store interface {
	// Save durably replaces the stored snapshot.
	Save(meta Meta, checkpoint []byte) error
	// Load returns the stored snapshot. ok is false if none was saved yet.
	Load() (meta Meta, checkpoint []byte, ok bool, err error)
}

// --------------------------------------------------------------------------
// File store
// --------------------------------------------------------------------------

type fileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore stores the snapshot as <dir>/snapshot.dat.
func NewFileStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	return &fileStore{path: filepath.Join(dir, fileName)}, nil
}

// Save writes the snapshot to a temporary file, syncs it and renames it over
// the previous snapshot, so a crash leaves either the old or the new one.
func (s *fileStore) Save(meta Meta, checkpoint []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return smr.NewError(smr.CodeDurability, "failed to create snapshot file: %v", err)
	}
	if err := encode(f, meta, checkpoint); err != nil {
		_ = f.Close()
		return smr.NewError(smr.CodeDurability, "failed to write snapshot: %v", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return smr.NewError(smr.CodeDurability, "failed to sync snapshot: %v", err)
	}
	if err := f.Close(); err != nil {
		return smr.NewError(smr.CodeDurability, "failed to close snapshot: %v", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return smr.NewError(smr.CodeDurability, "failed to install snapshot: %v", err)
	}
	return syncDir(filepath.Dir(s.path))
}

func (s *fileStore) Load() (Meta, []byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, nil, false, nil
	}
	if err != nil {
		return Meta{}, nil, false, fmt.Errorf("failed to read snapshot: %w", err)
	}
	meta, checkpoint, err := decode(data)
	if err != nil {
		return Meta{}, nil, false, err
	}
	return meta, checkpoint, true, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return smr.NewError(smr.CodeDurability, "failed to open snapshot dir: %v", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return smr.NewError(smr.CodeDurability, "failed to sync snapshot dir: %v", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Memory store
// --------------------------------------------------------------------------

type memoryStore struct {
	mu         sync.Mutex
	meta       Meta
	checkpoint []byte
	ok         bool
}

// NewMemory creates a snapshot store that keeps the snapshot in memory.
func NewMemory() Store {
	return &memoryStore{}
}

func (s *memoryStore) Save(meta Meta, checkpoint []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta, s.checkpoint, s.ok = meta, append([]byte(nil), checkpoint...), true
	return nil
}

func (s *memoryStore) Load() (Meta, []byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, append([]byte(nil), s.checkpoint...), s.ok, nil
}

// --------------------------------------------------------------------------
// Format
// --------------------------------------------------------------------------

// encode writes: magic, 1 byte version, 8 bytes index, 8 bytes view,
// 8 bytes checkpoint length, checkpoint, 4 bytes crc32 over everything before.
func encode(w io.Writer, meta Meta, checkpoint []byte) error {
	var buf bytes.Buffer
	buf.WriteString(magicNum)
	buf.WriteByte(snapshotVersion)
	var hdr [24]byte
	binary.BigEndian.PutUint64(hdr[0:8], meta.Index)
	binary.BigEndian.PutUint64(hdr[8:16], meta.View)
	binary.BigEndian.PutUint64(hdr[16:24], uint64(len(checkpoint)))
	buf.Write(hdr[:])
	buf.Write(checkpoint)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(sum[:])
	_, err := w.Write(buf.Bytes())
	return err
}

func decode(data []byte) (Meta, []byte, error) {
	headerLen := len(magicNum) + 1 + 24
	if len(data) < headerLen+4 {
		return Meta{}, nil, smr.NewError(smr.CodeLogCorruption, "snapshot too short")
	}
	if string(data[:len(magicNum)]) != magicNum {
		return Meta{}, nil, smr.NewError(smr.CodeLogCorruption, "invalid snapshot format: magic number mismatch")
	}
	if data[len(magicNum)] != snapshotVersion {
		return Meta{}, nil, smr.NewError(smr.CodeLogCorruption, "unsupported snapshot version: %d", data[len(magicNum)])
	}
	body := data[:len(data)-4]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(data[len(data)-4:]) {
		return Meta{}, nil, smr.NewError(smr.CodeLogCorruption, "snapshot checksum mismatch")
	}
	hdr := data[len(magicNum)+1 : headerLen]
	meta := Meta{
		Index: binary.BigEndian.Uint64(hdr[0:8]),
		View:  binary.BigEndian.Uint64(hdr[8:16]),
	}
	size := binary.BigEndian.Uint64(hdr[16:24])
	if uint64(len(body)-headerLen) != size {
		return Meta{}, nil, smr.NewError(smr.CodeLogCorruption, "snapshot length mismatch")
	}
	return meta, append([]byte(nil), body[headerLen:]...), nil
}
