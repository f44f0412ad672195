// Package record implements the versioned key/value file format used for
// every artifact the keystore writes to disk.
//
// A file is: magic "TMRF", uint16 version, uint16 kind, uint32 record count,
// then count x (uvarint key length, key, uvarint value length, value), and a
// trailing big-endian CRC-32 (IEEE) of all preceding bytes.
package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// Version is the only format version this package reads and writes.
const Version uint16 = 1

const (
	headerLen  = 4 + 2 + 2 + 4
	trailerLen = 4
	// maxField bounds a single key or value so a corrupt length cannot
	// trigger a huge allocation.
	maxField = 16 << 20
)

var magic = [4]byte{'T', 'M', 'R', 'F'}

// ErrMalformed is wrapped by every decoding error.
var ErrMalformed = errors.New("record: malformed file")

// Kind tags a file with the artifact it holds, so one map can never be
// loaded in place of another.
type Kind uint16

const (
	KindKeystore Kind = iota + 1
	KindHostIndex
	KindKeyPairs
	KindSubstitutes
)

func (k Kind) String() string {
	switch k {
	case KindKeystore:
		return "keystore"
	case KindHostIndex:
		return "host-index"
	case KindKeyPairs:
		return "key-pairs"
	case KindSubstitutes:
		return "substitutes"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

type Record struct {
	Key   []byte
	Value []byte
}

// Encode serializes records in the given order.
func Encode(kind Kind, records []Record) []byte {
	var buf bytes.Buffer
	buf.Write(magic[:])
	var hdr [8]byte
	binary.BigEndian.PutUint16(hdr[0:2], Version)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(kind))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(records)))
	buf.Write(hdr[:])

	var lenBuf [binary.MaxVarintLen64]byte
	for _, r := range records {
		n := binary.PutUvarint(lenBuf[:], uint64(len(r.Key)))
		buf.Write(lenBuf[:n])
		buf.Write(r.Key)
		n = binary.PutUvarint(lenBuf[:], uint64(len(r.Value)))
		buf.Write(lenBuf[:n])
		buf.Write(r.Value)
	}

	var sum [trailerLen]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(sum[:])
	return buf.Bytes()
}

// Decode parses data produced by Encode. Keys must be unique.
func Decode(kind Kind, data []byte) ([]Record, error) {
	if len(data) < headerLen+trailerLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(data))
	}
	body, tail := data[:len(data)-trailerLen], data[len(data)-trailerLen:]
	if got, want := crc32.ChecksumIEEE(body), binary.BigEndian.Uint32(tail); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch (%08x != %08x)", ErrMalformed, got, want)
	}
	if !bytes.Equal(body[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformed, body[:4])
	}
	if v := binary.BigEndian.Uint16(body[4:6]); v != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, v)
	}
	if k := Kind(binary.BigEndian.Uint16(body[6:8])); k != kind {
		return nil, fmt.Errorf("%w: file holds %s, expected %s", ErrMalformed, k, kind)
	}
	count := binary.BigEndian.Uint32(body[8:12])

	r := bytes.NewReader(body[headerLen:])
	records := make([]Record, 0, min(int(count), 1024))
	seen := make(map[string]struct{}, len(records))
	for i := uint32(0); i < count; i++ {
		key, err := readField(r)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d key: %v", ErrMalformed, i, err)
		}
		value, err := readField(r)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d value: %v", ErrMalformed, i, err)
		}
		if _, dup := seen[string(key)]; dup {
			return nil, fmt.Errorf("%w: duplicate key in record %d", ErrMalformed, i)
		}
		seen[string(key)] = struct{}{}
		records = append(records, Record{Key: key, Value: value})
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}
	return records, nil
}

func readField(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > maxField || n > uint64(r.Len()) {
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, r.Len())
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return nil, err
	}
	return b, nil
}

// ReadFile loads and decodes path. A missing file reports ok == false and no error.
func ReadFile(path string, kind Kind) (records []Record, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	records, err = Decode(kind, data)
	if err != nil {
		return nil, true, fmt.Errorf("%s: %w", path, err)
	}
	return records, true, nil
}

// WriteFile atomically replaces path with the encoded records.
func WriteFile(path string, kind Kind, records []Record) error {
	return WriteBytes(path, Encode(kind, records))
}

// WriteBytes atomically replaces path with data: temp file in the same
// directory, fsync, rename.
func WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	cleanup := func() { _ = os.Remove(name) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(name, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(name, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
