package recovery

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// MagicBytes identify a checkpoint file.
	MagicBytes = "GODB"
	// FormatVersion is the current checkpoint layout.
	FormatVersion = 2
	// FileExtension is the suffix of checkpoint files.
	FileExtension = ".godb"

	flagLZ4 uint8 = 1 << 0
)

// ErrCorruptCheckpoint marks checkpoint files that cannot be decoded.
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

// FileHeader precedes the payload of a checkpoint file.
type FileHeader struct {
	Magic    [4]byte
	Version  uint8
	Flags    uint8
	Reserved [2]byte
	// RawLen is the length of the msgpack payload before compression.
	RawLen uint32
	// Checksum is the xxhash64 of the uncompressed payload.
	Checksum uint64
}

var headerSize = binary.Size(FileHeader{})

// Encode serialises img as header + lz4 block of msgpack. Payloads lz4
// cannot shrink are stored uncompressed.
func Encode(img *Image) ([]byte, error) {
	raw, err := msgpack.Marshal(img)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode checkpoint")
	}
	if uint64(len(raw)) > uint64(^uint32(0)) {
		return nil, errors.Newf("checkpoint payload of %d bytes is too large", len(raw))
	}

	header := FileHeader{
		Magic:    [4]byte{'G', 'O', 'D', 'B'},
		Version:  FormatVersion,
		RawLen:   uint32(len(raw)),
		Checksum: xxhash.Sum64(raw),
	}

	payload := raw
	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	var hashTable [1 << 16]int
	n, err := lz4.CompressBlock(raw, compressed, hashTable[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to compress checkpoint")
	}
	if n > 0 && n < len(raw) {
		header.Flags |= flagLZ4
		payload = compressed[:n]
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(payload))
	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		return nil, errors.Wrap(err, "failed to write checkpoint header")
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// ReadHeader parses and validates the header at the start of data.
func ReadHeader(data []byte) (*FileHeader, error) {
	var header FileHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to read checkpoint header"), ErrCorruptCheckpoint)
	}
	if string(header.Magic[:]) != MagicBytes {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "invalid file format: expected %s, got %q", MagicBytes, header.Magic[:])
	}
	if header.Version != FormatVersion {
		return nil, errors.Newf("unsupported checkpoint version: %d", header.Version)
	}
	return &header, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*Image, error) {
	header, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	payload := data[headerSize:]

	raw := payload
	if header.Flags&flagLZ4 != 0 {
		raw = make([]byte, header.RawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to decompress checkpoint"), ErrCorruptCheckpoint)
		}
		raw = raw[:n]
	}
	if uint32(len(raw)) != header.RawLen {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "payload is %d bytes, header says %d", len(raw), header.RawLen)
	}
	if sum := xxhash.Sum64(raw); sum != header.Checksum {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "checksum mismatch: %016x != %016x", sum, header.Checksum)
	}

	var img Image
	if err := msgpack.Unmarshal(raw, &img); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to decode checkpoint"), ErrCorruptCheckpoint)
	}
	return &img, nil
}
