// Package compress packs cache blocks for the swap tier.
// Every packed block starts with a one byte algorithm tag followed by
// the uvarint length of the raw data, so Unpack needs no configuration.
package compress

import (
	"encoding/binary"

	"github.com/bkaradzic/go-lz4"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// AlgorithmType identifies a compression algorithm.
type AlgorithmType byte

const (
	// AlgoNone stores the data as is.
	AlgoNone = AlgorithmType(iota)
	// AlgoSnappy uses github.com/golang/snappy.
	AlgoSnappy
	// AlgoLZ4 uses github.com/bkaradzic/go-lz4.
	AlgoLZ4
)

var (
	// ErrBadAlgo is returned on a unsupported/unknown algorithm.
	ErrBadAlgo = errors.New("invalid algorithm type")
	// ErrCorrupt is returned when a packed block cannot be decoded.
	ErrCorrupt = errors.New("corrupt packed block")
)

// Algorithm is the common interface for all supported algorithms.
type Algorithm interface {
	Encode([]byte) ([]byte, error)
	Decode([]byte) ([]byte, error)
}

type noneAlgo struct{}
type snappyAlgo struct{}
type lz4Algo struct{}

var (
	algoMap = map[AlgorithmType]Algorithm{
		AlgoNone:   noneAlgo{},
		AlgoSnappy: snappyAlgo{},
		AlgoLZ4:    lz4Algo{},
	}

	algoToString = map[AlgorithmType]string{
		AlgoNone:   "none",
		AlgoSnappy: "snappy",
		AlgoLZ4:    "lz4",
	}

	stringToAlgo = map[string]AlgorithmType{
		"none":   AlgoNone,
		"snappy": AlgoSnappy,
		"lz4":    AlgoLZ4,
	}
)

func (a noneAlgo) Encode(src []byte) ([]byte, error) {
	return src, nil
}

func (a noneAlgo) Decode(src []byte) ([]byte, error) {
	return src, nil
}

func (a snappyAlgo) Encode(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (a snappyAlgo) Decode(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}

func (a lz4Algo) Encode(src []byte) ([]byte, error) {
	return lz4.Encode(nil, src)
}

func (a lz4Algo) Decode(src []byte) ([]byte, error) {
	return lz4.Decode(nil, src)
}

// AlgorithmFromType returns a interface to the given AlgorithmType.
func AlgorithmFromType(a AlgorithmType) (Algorithm, error) {
	if algo, ok := algoMap[a]; ok {
		return algo, nil
	}

	return nil, ErrBadAlgo
}

func (a AlgorithmType) String() string {
	name, ok := algoToString[a]
	if !ok {
		return "unknown algorithm"
	}

	return name
}

// AlgoFromString tries to convert a string to AlgorithmType
func AlgoFromString(s string) (AlgorithmType, error) {
	algoType, ok := stringToAlgo[s]
	if !ok {
		return 0, errors.Errorf("invalid algorithm name: %s", s)
	}

	return algoType, nil
}

// Pack compresses `data` with `algo`. When compression does not make
// the block smaller, the block is stored uncompressed.
func Pack(algoType AlgorithmType, data []byte) ([]byte, error) {
	algo, err := AlgorithmFromType(algoType)
	if err != nil {
		return nil, err
	}

	encoded, err := algo.Encode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "encode with %s", algoType)
	}

	if algoType != AlgoNone && len(encoded) >= len(data) {
		algoType, encoded = AlgoNone, data
	}

	hdr := make([]byte, 1+binary.MaxVarintLen64)
	hdr[0] = byte(algoType)
	n := binary.PutUvarint(hdr[1:], uint64(len(data)))

	packed := make([]byte, 0, 1+n+len(encoded))
	packed = append(packed, hdr[:1+n]...)
	return append(packed, encoded...), nil
}

// Unpack reverses Pack.
func Unpack(packed []byte) ([]byte, error) {
	if len(packed) < 2 {
		return nil, ErrCorrupt
	}

	algo, err := AlgorithmFromType(AlgorithmType(packed[0]))
	if err != nil {
		return nil, err
	}

	size, n := binary.Uvarint(packed[1:])
	if n <= 0 {
		return nil, ErrCorrupt
	}

	data, err := algo.Decode(packed[1+n:])
	if err != nil {
		return nil, errors.Wrapf(err, "decode with %s", AlgorithmType(packed[0]))
	}

	if uint64(len(data)) != size {
		return nil, errors.Wrapf(ErrCorrupt, "size mismatch: %d != %d", len(data), size)
	}

	return data, nil
}
